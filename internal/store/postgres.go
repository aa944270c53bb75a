package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateProcess(ctx context.Context, process Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, owner_id, name, description, version)
		VALUES ($1, $2, $3, $4, 0)
	`, process.ID, process.OwnerID, process.Name, process.Description)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProcess(ctx context.Context, ownerID, processID string) (Process, error) {
	var item Process
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, version, created_at, updated_at
		FROM processes
		WHERE id=$1 AND owner_id=$2
	`, processID, ownerID).Scan(&item.ID, &item.OwnerID, &item.Name, &item.Description, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Process{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProcesses(ctx context.Context, ownerID string, limit, page int) ([]Process, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, description, version, created_at, updated_at
		FROM processes
		WHERE owner_id=$1
		ORDER BY updated_at DESC
		OFFSET $2 LIMIT $3
	`, ownerID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	items := make([]Process, 0)
	for rows.Next() {
		var item Process
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.Description, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountProcesses(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes WHERE owner_id=$1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count processes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateProcessMeta(ctx context.Context, ownerID, processID, name, description string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE processes
		SET name=$3, description=$4, updated_at=NOW()
		WHERE id=$1 AND owner_id=$2
	`, processID, ownerID, name, description)
	if err != nil {
		return false, fmt.Errorf("update process meta: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update process meta rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteProcess(ctx context.Context, ownerID, processID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id=$1 AND owner_id=$2`, processID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete process: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete process rows: %w", err)
	}
	return affected > 0, nil
}

// InsertComment stores an element comment and pins it to whichever version
// is current at write time. The stored row is returned so callers can
// broadcast the server-assigned version id and timestamp.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var versionID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, process_id, version_id, element_id, author_id, author_name, author_email, author_avatar, body)
		VALUES ($1, $2, (SELECT id FROM process_versions WHERE process_id=$2 AND is_current), $3, $4, $5, $6, $7, $8)
		RETURNING version_id, created_at
	`, comment.ID, comment.ProcessID, comment.ElementID, comment.AuthorID, comment.AuthorName,
		comment.AuthorEmail, comment.AuthorAvatar, comment.Body).Scan(&versionID, &comment.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	comment.VersionID = versionID.String
	return comment, nil
}

// ListComments returns a process's comments oldest first. An empty elementID
// returns the whole process; otherwise only that element's thread.
func (s *PostgresStore) ListComments(ctx context.Context, processID, elementID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_id, COALESCE(version_id::text, ''), element_id, author_id, author_name, author_email, author_avatar, body, created_at
		FROM comments
		WHERE process_id=$1 AND ($2 = '' OR element_id = $2)
		ORDER BY created_at
	`, processID, elementID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ProcessID, &item.VersionID, &item.ElementID, &item.AuthorID,
			&item.AuthorName, &item.AuthorEmail, &item.AuthorAvatar, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// VersionCreate carries the metadata half of a new version.
type VersionCreate struct {
	ID          string
	ProcessID   string
	Tag         string
	Description string
	CreatedBy   string
}

// CreateVersion runs the relational half of version creation. The process row
// is locked for the duration, so concurrent creators serialize and each
// accepted call increments the counter exactly once. writeDetail runs after
// the lock is taken and before any metadata mutation commits: a failed
// payload write aborts the whole operation with no metadata trace, and a
// failed commit leaves at worst an orphaned detail for the caller to reap.
func (s *PostgresStore) CreateVersion(ctx context.Context, ownerID string, create VersionCreate, writeDetail func(ctx context.Context, number int) error) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM processes WHERE id=$1 AND owner_id=$2 FOR UPDATE
	`, create.ProcessID, ownerID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sql.ErrNoRows
		}
		return 0, fmt.Errorf("lock process row: %w", err)
	}
	number := current + 1

	if err := writeDetail(ctx, number); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE process_versions SET is_current=FALSE WHERE process_id=$1 AND is_current
	`, create.ProcessID); err != nil {
		return 0, fmt.Errorf("clear current version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO process_versions (id, process_id, number, tag, description, created_by, is_current, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW())
	`, create.ID, create.ProcessID, number, create.Tag, create.Description, create.CreatedBy); err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE processes SET version=$3, updated_at=NOW() WHERE id=$1 AND owner_id=$2
	`, create.ProcessID, ownerID, number); err != nil {
		return 0, fmt.Errorf("advance version counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version tx: %w", err)
	}
	return number, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, processID string) ([]ProcessVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_id, number, tag, description, created_by, is_current, updated_at
		FROM process_versions
		WHERE process_id=$1
		ORDER BY updated_at DESC
	`, processID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]ProcessVersion, 0)
	for rows.Next() {
		var item ProcessVersion
		if err := rows.Scan(&item.ID, &item.ProcessID, &item.Number, &item.Tag, &item.Description, &item.CreatedBy, &item.IsCurrent, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, processID, versionID string) (ProcessVersion, error) {
	var item ProcessVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, process_id, number, tag, description, created_by, is_current, updated_at
		FROM process_versions
		WHERE id=$1 AND process_id=$2
	`, versionID, processID).Scan(&item.ID, &item.ProcessID, &item.Number, &item.Tag, &item.Description, &item.CreatedBy, &item.IsCurrent, &item.UpdatedAt)
	if err != nil {
		return ProcessVersion{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetCurrentVersion(ctx context.Context, processID string) (ProcessVersion, error) {
	var item ProcessVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, process_id, number, tag, description, created_by, is_current, updated_at
		FROM process_versions
		WHERE process_id=$1 AND is_current
	`, processID).Scan(&item.ID, &item.ProcessID, &item.Number, &item.Tag, &item.Description, &item.CreatedBy, &item.IsCurrent, &item.UpdatedAt)
	if err != nil {
		return ProcessVersion{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteVersion(ctx context.Context, processID, versionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM process_versions WHERE id=$1 AND process_id=$2 AND NOT is_current
	`, versionID, processID)
	if err != nil {
		return false, fmt.Errorf("delete version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete version rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) TouchCurrentVersion(ctx context.Context, processID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_versions SET updated_at=NOW() WHERE process_id=$1 AND is_current
	`, processID)
	if err != nil {
		return fmt.Errorf("touch current version: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
