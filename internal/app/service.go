package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowforge/api/internal/auth"
	"flowforge/api/internal/detail"
	"flowforge/api/internal/store"
	"flowforge/api/internal/version"
)

type dataStore interface {
	CreateProcess(ctx context.Context, process store.Process) error
	GetProcess(ctx context.Context, ownerID, processID string) (store.Process, error)
	ListProcesses(ctx context.Context, ownerID string, limit, page int) ([]store.Process, error)
	CountProcesses(ctx context.Context, ownerID string) (int, error)
	UpdateProcessMeta(ctx context.Context, ownerID, processID, name, description string) (bool, error)
	DeleteProcess(ctx context.Context, ownerID, processID string) (bool, error)
	ListComments(ctx context.Context, processID, elementID string) ([]store.Comment, error)
	Ping(ctx context.Context) error
}

type versionStore interface {
	Create(ctx context.Context, ownerID, processID, authorID string, input version.CreateInput) (version.Ref, error)
	Get(ctx context.Context, ownerID, processID, versionID string) (store.ProcessVersion, detail.VersionDetail, error)
	Restore(ctx context.Context, ownerID, processID, authorID, versionID string) (version.Ref, error)
	List(ctx context.Context, ownerID, processID string) ([]store.ProcessVersion, error)
	Delete(ctx context.Context, ownerID, processID, versionID string) error
	CurrentPayload(ctx context.Context, ownerID, processID string) (store.ProcessVersion, detail.VersionDetail, error)
	SaveDraft(ctx context.Context, ownerID, processID string, payload version.Payload) error
	PurgeDetails(ctx context.Context, ownerID, processID string) error
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	AvatarURL string
}

type CreateProcessInput struct {
	Name        string
	Description string
	Payload     version.Payload
}

type Service struct {
	store    dataStore
	versions versionStore
	secret   []byte
	tokenTTL time.Duration
	logger   *zap.Logger
}

func NewService(data dataStore, versions versionStore, secret []byte, tokenTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:    data,
		versions: versions,
		secret:   secret,
		tokenTTL: tokenTTL,
		logger:   logger,
	}
}

// Login issues a signed identity for the given display name. There is no
// user table: the id is derived from the name, so the same name always maps
// to the same identity and to the same process ownership.
func (s *Service) Login(ctx context.Context, name, email, avatarURL string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	identity := auth.Identity{
		UserID:    deriveUserID(name),
		Name:      name,
		Email:     strings.TrimSpace(email),
		AvatarURL: strings.TrimSpace(avatarURL),
	}
	token, err := auth.IssueToken(s.secret, identity, s.tokenTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    identity.UserID,
		UserName:  identity.Name,
		Email:     identity.Email,
		AvatarURL: identity.AvatarURL,
	}, nil
}

func (s *Service) IdentityFromToken(token string) (auth.Identity, error) {
	return auth.ParseToken(s.secret, token)
}

func deriveUserID(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(name)))
	return "user-" + hex.EncodeToString(sum[:6])
}

// storeFailure classifies a relational-store error: a missing row belongs
// to the caller, anything else is a retryable outage.
func storeFailure(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return version.ErrProcessNotFound
	}
	return fmt.Errorf("%s: %w", op, errors.Join(version.ErrPersistence, err))
}

// CreateProcess inserts the process row and seeds its first version. The two
// writes are not atomic across stores, so a failed seed removes the fresh
// row again rather than leaving a process with no current version.
func (s *Service) CreateProcess(ctx context.Context, identity auth.Identity, input CreateProcessInput) (store.Process, version.Ref, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return store.Process{}, version.Ref{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	process := store.Process{
		ID:          uuid.NewString(),
		OwnerID:     identity.UserID,
		Name:        input.Name,
		Description: input.Description,
	}
	if err := s.store.CreateProcess(ctx, process); err != nil {
		return store.Process{}, version.Ref{}, storeFailure("create process", err)
	}

	ref, err := s.versions.Create(ctx, identity.UserID, process.ID, identity.UserID, version.CreateInput{
		Tag:         "Initial Version",
		Description: "The first version of the process",
		Payload:     input.Payload,
	})
	if err != nil {
		if _, deleteErr := s.store.DeleteProcess(ctx, identity.UserID, process.ID); deleteErr != nil {
			s.logger.Error("failed to remove process after seed failure",
				zap.String("processId", process.ID),
				zap.Error(deleteErr),
			)
		}
		return store.Process{}, version.Ref{}, fmt.Errorf("seed initial version: %w", err)
	}

	created, err := s.store.GetProcess(ctx, identity.UserID, process.ID)
	if err != nil {
		return store.Process{}, version.Ref{}, storeFailure("reload process", err)
	}

	s.logger.Info("process created",
		zap.String("processId", process.ID),
		zap.String("ownerId", identity.UserID),
	)
	return created, ref, nil
}

func (s *Service) ListProcesses(ctx context.Context, ownerID string, limit, page int) ([]store.Process, int, error) {
	items, err := s.store.ListProcesses(ctx, ownerID, limit, page)
	if err != nil {
		return nil, 0, storeFailure("list processes", err)
	}
	total, err := s.store.CountProcesses(ctx, ownerID)
	if err != nil {
		return nil, 0, storeFailure("count processes", err)
	}
	return items, total, nil
}

// GetProcess returns process metadata along with the current payload. The
// payload read walks the legacy-migration path, so fetching an old process
// is what materializes its first version.
func (s *Service) GetProcess(ctx context.Context, ownerID, processID string) (store.Process, store.ProcessVersion, detail.VersionDetail, error) {
	current, item, err := s.versions.CurrentPayload(ctx, ownerID, processID)
	if err != nil {
		return store.Process{}, store.ProcessVersion{}, detail.VersionDetail{}, err
	}
	process, err := s.store.GetProcess(ctx, ownerID, processID)
	if err != nil {
		return store.Process{}, store.ProcessVersion{}, detail.VersionDetail{}, storeFailure("get process", err)
	}
	return process, current, item, nil
}

func (s *Service) UpdateProcessMeta(ctx context.Context, ownerID, processID, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	updated, err := s.store.UpdateProcessMeta(ctx, ownerID, processID, name, description)
	if err != nil {
		return storeFailure("update process", err)
	}
	if !updated {
		return version.ErrProcessNotFound
	}
	return nil
}

// DeleteProcess purges payloads first; metadata rows cascade with the
// process row.
func (s *Service) DeleteProcess(ctx context.Context, ownerID, processID string) error {
	if _, err := s.store.GetProcess(ctx, ownerID, processID); err != nil {
		return storeFailure("get process", err)
	}
	if err := s.versions.PurgeDetails(ctx, ownerID, processID); err != nil {
		s.logger.Warn("payload purge incomplete",
			zap.String("processId", processID),
			zap.Error(err),
		)
	}
	deleted, err := s.store.DeleteProcess(ctx, ownerID, processID)
	if err != nil {
		return storeFailure("delete process", err)
	}
	if !deleted {
		return version.ErrProcessNotFound
	}
	s.logger.Info("process deleted", zap.String("processId", processID))
	return nil
}

func (s *Service) SaveDraft(ctx context.Context, ownerID, processID string, payload version.Payload) error {
	return s.versions.SaveDraft(ctx, ownerID, processID, payload)
}

func (s *Service) CreateVersion(ctx context.Context, identity auth.Identity, processID string, input version.CreateInput) (version.Ref, error) {
	if strings.TrimSpace(input.Tag) == "" {
		return version.Ref{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tag is required", nil)
	}
	return s.versions.Create(ctx, identity.UserID, processID, identity.UserID, input)
}

func (s *Service) ListVersions(ctx context.Context, ownerID, processID string) ([]store.ProcessVersion, error) {
	return s.versions.List(ctx, ownerID, processID)
}

func (s *Service) GetVersion(ctx context.Context, ownerID, processID, versionID string) (store.ProcessVersion, detail.VersionDetail, error) {
	return s.versions.Get(ctx, ownerID, processID, versionID)
}

func (s *Service) RestoreVersion(ctx context.Context, identity auth.Identity, processID, versionID string) (version.Ref, error) {
	return s.versions.Restore(ctx, identity.UserID, processID, identity.UserID, versionID)
}

func (s *Service) DeleteVersion(ctx context.Context, ownerID, processID, versionID string) error {
	return s.versions.Delete(ctx, ownerID, processID, versionID)
}

// ListComments returns element comments for an owned process. Writes happen
// over the collaboration socket; this is the read-back for clients opening
// the diagram.
func (s *Service) ListComments(ctx context.Context, ownerID, processID, elementID string) ([]store.Comment, error) {
	if _, err := s.store.GetProcess(ctx, ownerID, processID); err != nil {
		return nil, storeFailure("get process", err)
	}
	comments, err := s.store.ListComments(ctx, processID, elementID)
	if err != nil {
		return nil, storeFailure("list comments", err)
	}
	return comments, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
