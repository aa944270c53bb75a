package store

import "time"

// Process is the editable document users collaborate on. Version is a
// monotonic counter equal to the number of versions ever created for the
// process; it is never decremented, not even when a historical version is
// deleted.
type Process struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Comment is a note pinned to one element of a process diagram. VersionID
// records which version was current when the comment was written; it is
// empty for comments made before the process had any version. Author fields
// are denormalized from the verified identity since there is no user table.
type Comment struct {
	ID           string
	ProcessID    string
	VersionID    string
	ElementID    string
	AuthorID     string
	AuthorName   string
	AuthorEmail  string
	AuthorAvatar string
	Body         string
	CreatedAt    time.Time
}

// ProcessVersion is the lightweight metadata record for one immutable
// snapshot. Number is the counter value the snapshot was created at and,
// together with ProcessID, addresses the payload in the detail store.
type ProcessVersion struct {
	ID          string
	ProcessID   string
	Number      int
	Tag         string
	Description string
	CreatedBy   string
	IsCurrent   bool
	UpdatedAt   time.Time
}
