package app

import "fmt"

// DomainError is a request-level failure that already knows how it should
// look on the wire: status, stable machine code, and a human message. The
// service layer raises these for validation failures; infrastructure
// failures travel as version sentinels and are translated in mapError.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
