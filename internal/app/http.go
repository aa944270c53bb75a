package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowforge/api/internal/auth"
	"flowforge/api/internal/collab"
	"flowforge/api/internal/detail"
	"flowforge/api/internal/store"
	"flowforge/api/internal/version"
)

type HTTPServer struct {
	service    *Service
	presence   *collab.Registry
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, presence *collab.Registry, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		presence:   presence,
		corsOrigin: corsOrigin,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name      string `json:"name"`
			Email     string `json:"email"`
			AvatarURL string `json:"avatarUrl"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Email, body.AvatarURL)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      session.Token,
			"userId":     session.UserID,
			"userName":   session.UserName,
			"userEmail":  session.Email,
			"userAvatar": session.AvatarURL,
		})
		return
	}

	identity, err := s.service.IdentityFromToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" || segments[1] != "processes" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	segments = segments[2:]

	switch {
	case len(segments) == 0 && r.Method == http.MethodGet:
		s.handleListProcesses(w, r, identity)
	case len(segments) == 0 && r.Method == http.MethodPost:
		s.handleCreateProcess(w, r, identity)
	case len(segments) == 1 && r.Method == http.MethodGet:
		s.handleGetProcess(w, r, identity, segments[0])
	case len(segments) == 1 && r.Method == http.MethodPut:
		s.handleUpdateProcess(w, r, identity, segments[0])
	case len(segments) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteProcess(w, r, identity, segments[0])
	case len(segments) == 2 && segments[1] == "draft" && r.Method == http.MethodPut:
		s.handleSaveDraft(w, r, identity, segments[0])
	case len(segments) == 2 && segments[1] == "collaborators" && r.Method == http.MethodGet:
		s.handleCollaborators(w, segments[0])
	case len(segments) == 2 && segments[1] == "comments" && r.Method == http.MethodGet:
		s.handleListComments(w, r, identity, segments[0])
	case len(segments) == 2 && segments[1] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, identity, segments[0])
	case len(segments) == 2 && segments[1] == "versions" && r.Method == http.MethodPost:
		s.handleCreateVersion(w, r, identity, segments[0])
	case len(segments) == 3 && segments[1] == "versions" && r.Method == http.MethodGet:
		s.handleGetVersion(w, r, identity, segments[0], segments[2])
	case len(segments) == 3 && segments[1] == "versions" && r.Method == http.MethodDelete:
		s.handleDeleteVersion(w, r, identity, segments[0], segments[2])
	case len(segments) == 4 && segments[1] == "versions" && segments[3] == "restore" && r.Method == http.MethodPost:
		s.handleRestoreVersion(w, r, identity, segments[0], segments[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListProcesses(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}

	items, total, err := s.service.ListProcesses(r.Context(), identity.UserID, limit, page)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	processes := make([]map[string]any, 0, len(items))
	for _, item := range items {
		processes = append(processes, processJSON(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processes": processes,
		"total":     total,
		"page":      page,
		"limit":     limit,
	})
}

func (s *HTTPServer) handleCreateProcess(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		XML         string            `json:"xml"`
		Variables   map[string]any    `json:"variables"`
		Activities  []detail.Activity `json:"activities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	process, ref, err := s.service.CreateProcess(r.Context(), identity, CreateProcessInput{
		Name:        body.Name,
		Description: body.Description,
		Payload: version.Payload{
			XML:        body.XML,
			Variables:  body.Variables,
			Activities: body.Activities,
		},
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"process":   processJSON(process),
		"versionId": ref.VersionID,
		"version":   ref.Number,
	})
}

func (s *HTTPServer) handleGetProcess(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	process, current, item, err := s.service.GetProcess(r.Context(), identity.UserID, processID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process": processJSON(process),
		"current": map[string]any{
			"versionId":  current.ID,
			"version":    current.Number,
			"tag":        current.Tag,
			"xml":        item.XML,
			"variables":  item.Variables,
			"activities": item.Activities,
		},
	})
}

func (s *HTTPServer) handleUpdateProcess(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdateProcessMeta(r.Context(), identity.UserID, processID, body.Name, body.Description); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteProcess(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	if err := s.service.DeleteProcess(r.Context(), identity.UserID, processID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSaveDraft(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	var body struct {
		XML        string            `json:"xml"`
		Variables  map[string]any    `json:"variables"`
		Activities []detail.Activity `json:"activities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.SaveDraft(r.Context(), identity.UserID, processID, version.Payload{
		XML:        body.XML,
		Variables:  body.Variables,
		Activities: body.Activities,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, processID string) {
	roster := s.presence.Roster(processID)
	if roster == nil {
		roster = []collab.PresenceEntry{}
	}
	response := map[string]any{
		"collaborators": roster,
	}
	if holder, locked := s.presence.LockHolder(processID); locked {
		response["lockHolder"] = holder
	} else {
		response["lockHolder"] = nil
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	items, err := s.service.ListComments(r.Context(), identity.UserID, processID, r.URL.Query().Get("elementId"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	comments := make([]map[string]any, 0, len(items))
	for _, item := range items {
		comments = append(comments, map[string]any{
			"id":          item.ID,
			"processId":   item.ProcessID,
			"versionId":   item.VersionID,
			"elementId":   item.ElementID,
			"commentText": item.Body,
			"createdAt":   item.CreatedAt.UTC().Format(time.RFC3339),
			"user": map[string]any{
				"userId":     item.AuthorID,
				"userName":   item.AuthorName,
				"userEmail":  item.AuthorEmail,
				"userAvatar": item.AuthorAvatar,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	items, err := s.service.ListVersions(r.Context(), identity.UserID, processID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	versions := make([]map[string]any, 0, len(items))
	for _, item := range items {
		versions = append(versions, versionJSON(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID string) {
	var body struct {
		Tag         string            `json:"tag"`
		Description string            `json:"description"`
		XML         string            `json:"xml"`
		Variables   map[string]any    `json:"variables"`
		Activities  []detail.Activity `json:"activities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ref, err := s.service.CreateVersion(r.Context(), identity, processID, version.CreateInput{
		Tag:         body.Tag,
		Description: body.Description,
		Payload: version.Payload{
			XML:        body.XML,
			Variables:  body.Variables,
			Activities: body.Activities,
		},
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"versionId": ref.VersionID,
		"version":   ref.Number,
	})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID, versionID string) {
	meta, item, err := s.service.GetVersion(r.Context(), identity.UserID, processID, versionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	response := versionJSON(meta)
	response["xml"] = item.XML
	response["variables"] = item.Variables
	response["activities"] = item.Activities
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleDeleteVersion(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID, versionID string) {
	if err := s.service.DeleteVersion(r.Context(), identity.UserID, processID, versionID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request, identity auth.Identity, processID, versionID string) {
	ref, err := s.service.RestoreVersion(r.Context(), identity, processID, versionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"versionId": ref.VersionID,
		"version":   ref.Number,
	})
}

func processJSON(item store.Process) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"name":        item.Name,
		"description": item.Description,
		"version":     item.Version,
		"createdAt":   item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func versionJSON(item store.ProcessVersion) map[string]any {
	return map[string]any{
		"versionId":   item.ID,
		"version":     item.Number,
		"tag":         item.Tag,
		"description": item.Description,
		"createdBy":   item.CreatedBy,
		"isCurrent":   item.IsCurrent,
		"updatedAt":   item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("requestId", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("durationMs", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, version.ErrProcessNotFound):
		return http.StatusNotFound, "PROCESS_NOT_FOUND", "Process not found", nil
	case errors.Is(err, version.ErrVersionNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil
	case errors.Is(err, version.ErrCannotDeleteCurrent):
		return http.StatusConflict, "CANNOT_DELETE_CURRENT", "The current version cannot be deleted", nil
	case errors.Is(err, version.ErrStoreDivergence):
		return http.StatusInternalServerError, "STORE_DIVERGENCE", "Version stores are inconsistent", nil
	case errors.Is(err, version.ErrPersistence):
		// Backing store outage, not a client fault. 503 tells the
		// client the same request can be retried.
		return http.StatusServiceUnavailable, "PERSISTENCE_FAILURE", "Storage temporarily unavailable, retry shortly", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
