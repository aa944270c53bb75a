// Package version orchestrates immutable process snapshots across the
// relational metadata store and the document payload store. History is
// append-only and branch-free: restore creates a new version, it never
// rewrites an old one.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowforge/api/internal/detail"
	"flowforge/api/internal/store"
)

var (
	ErrProcessNotFound     = errors.New("process not found")
	ErrVersionNotFound     = errors.New("version not found")
	ErrCannotDeleteCurrent = errors.New("cannot delete current version")
	// ErrStoreDivergence means a metadata row exists without a resolvable
	// payload. Outside the legacy-migration path this is never repaired
	// automatically, since auto-repair could hide data loss.
	ErrStoreDivergence = errors.New("version metadata and payload stores diverged")
	// ErrPersistence marks an infrastructure failure in either backing
	// store. The request itself was well-formed and can be retried once
	// the store recovers, so callers surface it as retryable.
	ErrPersistence = errors.New("persistence failure")
)

// persistence tags a store failure as retryable while keeping the cause
// chain intact for logs and errors.Is checks.
func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrPersistence, err))
}

type metadataStore interface {
	GetProcess(ctx context.Context, ownerID, processID string) (store.Process, error)
	CreateVersion(ctx context.Context, ownerID string, create store.VersionCreate, writeDetail func(ctx context.Context, number int) error) (int, error)
	ListVersions(ctx context.Context, processID string) ([]store.ProcessVersion, error)
	GetVersion(ctx context.Context, processID, versionID string) (store.ProcessVersion, error)
	GetCurrentVersion(ctx context.Context, processID string) (store.ProcessVersion, error)
	DeleteVersion(ctx context.Context, processID, versionID string) (bool, error)
	TouchCurrentVersion(ctx context.Context, processID string) error
}

type detailStore interface {
	Put(ctx context.Context, key detail.Key, item detail.VersionDetail) error
	Get(ctx context.Context, key detail.Key) (detail.VersionDetail, error)
	Delete(ctx context.Context, key detail.Key) error
	GetLegacy(ctx context.Context, ownerID, processID string) (detail.VersionDetail, error)
	DeleteLegacy(ctx context.Context, ownerID, processID string) error
}

type payloadArchiver interface {
	ArchiveVersion(ctx context.Context, key detail.Key, item detail.VersionDetail) error
}

// Payload is the version content supplied by callers.
type Payload struct {
	XML        string            `json:"xml"`
	Variables  map[string]any    `json:"variables"`
	Activities []detail.Activity `json:"activities"`
}

// CreateInput names a new version.
type CreateInput struct {
	Tag         string
	Description string
	Payload     Payload
}

// Ref identifies a created version.
type Ref struct {
	VersionID string
	Number    int
}

type Manager struct {
	metadata metadataStore
	details  detailStore
	archiver payloadArchiver
	logger   *zap.Logger
}

func NewManager(metadata metadataStore, details detailStore, archiver payloadArchiver, logger *zap.Logger) *Manager {
	return &Manager{
		metadata: metadata,
		details:  details,
		archiver: archiver,
		logger:   logger,
	}
}

// Create makes a new immutable version and moves the current pointer to it in
// one logical transaction. The payload is written before any metadata
// mutation commits: a failed payload write leaves no metadata trace, and a
// failed metadata commit leaves at worst an orphaned payload, which is
// reaped here.
func (m *Manager) Create(ctx context.Context, ownerID, processID, authorID string, input CreateInput) (Ref, error) {
	versionID := uuid.NewString()
	var written *detail.Key
	var writtenItem detail.VersionDetail

	number, err := m.metadata.CreateVersion(ctx, ownerID, store.VersionCreate{
		ID:          versionID,
		ProcessID:   processID,
		Tag:         input.Tag,
		Description: input.Description,
		CreatedBy:   authorID,
	}, func(ctx context.Context, number int) error {
		key := detail.Key{OwnerID: ownerID, ProcessID: processID, Number: number}
		item := detail.VersionDetail{
			VersionID:  versionID,
			ProcessID:  processID,
			XML:        input.Payload.XML,
			Variables:  input.Payload.Variables,
			Activities: input.Payload.Activities,
		}
		if err := m.details.Put(ctx, key, item); err != nil {
			return fmt.Errorf("write version payload: %w", err)
		}
		written = &key
		writtenItem = item
		return nil
	})
	if err != nil {
		if written != nil {
			// Compensate: the metadata transaction rolled back, so the payload
			// is unreferenced and must not survive.
			if delErr := m.details.Delete(ctx, *written); delErr != nil {
				m.logger.Warn("orphaned version payload left behind",
					zap.String("key", written.String()),
					zap.Error(delErr),
				)
			}
		}
		if errors.Is(err, sql.ErrNoRows) {
			return Ref{}, ErrProcessNotFound
		}
		return Ref{}, persistence("create version", err)
	}

	if m.archiver != nil {
		key := detail.Key{OwnerID: ownerID, ProcessID: processID, Number: number}
		if err := m.archiver.ArchiveVersion(ctx, key, writtenItem); err != nil {
			m.logger.Warn("version archive failed", zap.String("key", key.String()), zap.Error(err))
		}
	}

	return Ref{VersionID: versionID, Number: number}, nil
}

// Get returns a version's metadata together with its payload.
func (m *Manager) Get(ctx context.Context, ownerID, processID, versionID string) (store.ProcessVersion, detail.VersionDetail, error) {
	meta, err := m.metadata.GetVersion(ctx, processID, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProcessVersion{}, detail.VersionDetail{}, ErrVersionNotFound
		}
		return store.ProcessVersion{}, detail.VersionDetail{}, persistence("get version metadata", err)
	}

	item, err := m.details.Get(ctx, detail.Key{OwnerID: ownerID, ProcessID: processID, Number: meta.Number})
	if err != nil {
		if errors.Is(err, detail.ErrDetailNotFound) {
			return store.ProcessVersion{}, detail.VersionDetail{}, ErrStoreDivergence
		}
		return store.ProcessVersion{}, detail.VersionDetail{}, persistence("get version payload", err)
	}
	return meta, item, nil
}

// Restore creates a new version whose content equals a historical one. The
// source version is left untouched.
func (m *Manager) Restore(ctx context.Context, ownerID, processID, authorID, versionID string) (Ref, error) {
	meta, item, err := m.Get(ctx, ownerID, processID, versionID)
	if err != nil {
		return Ref{}, err
	}
	return m.Create(ctx, ownerID, processID, authorID, CreateInput{
		Tag:         meta.Tag + "-restored",
		Description: "Restored from " + meta.Tag,
		Payload: Payload{
			XML:        item.XML,
			Variables:  item.Variables,
			Activities: item.Activities,
		},
	})
}

// List returns all version metadata for a process, newest first.
func (m *Manager) List(ctx context.Context, ownerID, processID string) ([]store.ProcessVersion, error) {
	if _, err := m.metadata.GetProcess(ctx, ownerID, processID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProcessNotFound
		}
		return nil, persistence("get process", err)
	}
	versions, err := m.metadata.ListVersions(ctx, processID)
	if err != nil {
		return nil, persistence("list versions", err)
	}
	return versions, nil
}

// Delete removes a historical version. The current version is protected; the
// payload goes first so a partial failure leaves a metadata row pointing at a
// missing payload for at most the gap between the two deletes, and the row
// delete is retried by the caller.
func (m *Manager) Delete(ctx context.Context, ownerID, processID, versionID string) error {
	meta, err := m.metadata.GetVersion(ctx, processID, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		return persistence("get version metadata", err)
	}
	if meta.IsCurrent {
		return ErrCannotDeleteCurrent
	}

	if err := m.details.Delete(ctx, detail.Key{OwnerID: ownerID, ProcessID: processID, Number: meta.Number}); err != nil {
		return persistence("delete version payload", err)
	}

	deleted, err := m.metadata.DeleteVersion(ctx, processID, versionID)
	if err != nil {
		return persistence("delete version metadata", err)
	}
	if !deleted {
		// The row either vanished concurrently or became current in a race.
		if _, err := m.metadata.GetVersion(ctx, processID, versionID); err == nil {
			return ErrCannotDeleteCurrent
		}
		return ErrVersionNotFound
	}
	return nil
}

// CurrentPayload returns the live payload of a process, materializing a
// pre-versioning record as version 1 on first touch.
func (m *Manager) CurrentPayload(ctx context.Context, ownerID, processID string) (store.ProcessVersion, detail.VersionDetail, error) {
	if _, err := m.metadata.GetProcess(ctx, ownerID, processID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProcessVersion{}, detail.VersionDetail{}, ErrProcessNotFound
		}
		return store.ProcessVersion{}, detail.VersionDetail{}, persistence("get process", err)
	}

	if err := m.normalizeLegacy(ctx, ownerID, processID); err != nil {
		return store.ProcessVersion{}, detail.VersionDetail{}, err
	}

	current, err := m.metadata.GetCurrentVersion(ctx, processID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ProcessVersion{}, detail.VersionDetail{}, ErrVersionNotFound
		}
		return store.ProcessVersion{}, detail.VersionDetail{}, persistence("get current version", err)
	}

	item, err := m.details.Get(ctx, detail.Key{OwnerID: ownerID, ProcessID: processID, Number: current.Number})
	if err != nil {
		if errors.Is(err, detail.ErrDetailNotFound) {
			return store.ProcessVersion{}, detail.VersionDetail{}, ErrStoreDivergence
		}
		return store.ProcessVersion{}, detail.VersionDetail{}, persistence("get current payload", err)
	}
	return current, item, nil
}

// SaveDraft overwrites the current version's payload in place. No new
// version is created and the counter does not move; this is the autosave
// path, distinct from the version-creating save.
func (m *Manager) SaveDraft(ctx context.Context, ownerID, processID string, payload Payload) error {
	if _, err := m.metadata.GetProcess(ctx, ownerID, processID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProcessNotFound
		}
		return persistence("get process", err)
	}

	current, err := m.metadata.GetCurrentVersion(ctx, processID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		return persistence("get current version", err)
	}

	item := detail.VersionDetail{
		VersionID:  current.ID,
		ProcessID:  processID,
		XML:        payload.XML,
		Variables:  payload.Variables,
		Activities: payload.Activities,
	}
	if err := m.details.Put(ctx, detail.Key{OwnerID: ownerID, ProcessID: processID, Number: current.Number}, item); err != nil {
		return persistence("write draft payload", err)
	}
	if err := m.metadata.TouchCurrentVersion(ctx, processID); err != nil {
		return persistence("touch current version", err)
	}
	return nil
}

// PurgeDetails removes every payload belonging to a process, including a
// legacy record. Metadata rows cascade with the process row; payloads do
// not, so callers deleting a process run this first. Best effort per key so
// one failed delete does not strand the rest.
func (m *Manager) PurgeDetails(ctx context.Context, ownerID, processID string) error {
	versions, err := m.metadata.ListVersions(ctx, processID)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	var firstErr error
	for _, v := range versions {
		key := detail.Key{OwnerID: ownerID, ProcessID: processID, Number: v.Number}
		if err := m.details.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete payload %s: %w", key.String(), err)
		}
	}
	if err := m.details.DeleteLegacy(ctx, ownerID, processID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("delete legacy payload: %w", err)
	}
	return firstErr
}

// normalizeLegacy upgrades a pre-versioning payload record into version 1.
// Idempotent: records already carrying a version id are left alone, and a
// missing legacy record is the common case.
func (m *Manager) normalizeLegacy(ctx context.Context, ownerID, processID string) error {
	legacy, err := m.details.GetLegacy(ctx, ownerID, processID)
	if err != nil {
		if errors.Is(err, detail.ErrDetailNotFound) {
			return nil
		}
		return persistence("get legacy payload", err)
	}
	if legacy.VersionID != "" {
		return nil
	}

	if _, err := m.Create(ctx, ownerID, processID, ownerID, CreateInput{
		Tag:         "Initial Version",
		Description: "The first version of the process",
		Payload: Payload{
			XML:        legacy.XML,
			Variables:  legacy.Variables,
			Activities: legacy.Activities,
		},
	}); err != nil {
		return fmt.Errorf("materialize legacy version: %w", err)
	}

	if err := m.details.DeleteLegacy(ctx, ownerID, processID); err != nil {
		return persistence("delete legacy payload", err)
	}
	m.logger.Info("migrated legacy process payload",
		zap.String("processId", processID),
		zap.String("ownerId", ownerID),
	)
	return nil
}
