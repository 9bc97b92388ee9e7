package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kandev/relay/internal/common/errors"
)

type sqliteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Store = (*sqliteStore)(nil)

// Provide builds the sessions store and ensures its schema exists. writer
// and reader may be the same *sqlx.DB for a single-connection sqlite setup,
// or a primary/replica split under Postgres.
func Provide(writer, reader *sqlx.DB) (Store, error) {
	store := &sqliteStore{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                    TEXT PRIMARY KEY,
		mode                  TEXT NOT NULL,
		status                TEXT NOT NULL,
		environment_id        TEXT NOT NULL,
		repository_url        TEXT DEFAULT '',
		branch                TEXT DEFAULT '',
		workspace_path        TEXT DEFAULT '',
		data_dir              TEXT NOT NULL,
		sandbox_provider_type TEXT DEFAULT '',
		sandbox_provider_id   TEXT DEFAULT '',
		last_activity_at      TIMESTAMP NOT NULL,
		created_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, status, environment_id, repository_url, branch, workspace_path,
			data_dir, sandbox_provider_type, sandbox_provider_id, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Mode, sess.Status, sess.EnvironmentID, sess.RepositoryURL, sess.Branch, sess.WorkspacePath,
		sess.DataDir, sess.SandboxProviderType, sess.SandboxProviderID, sess.LastActivityAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return apperrors.JournalError("create session", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.ro.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.ro.SelectContext(ctx, &sessions, `SELECT * FROM sessions ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	var sessions []Session
	if err := s.ro.SelectContext(ctx, &sessions, `SELECT * FROM sessions WHERE status = ? ORDER BY created_at ASC`, status); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res, "session", id)
}

func (s *sqliteStore) UpdateSandboxBinding(ctx context.Context, id string, providerType, providerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET sandbox_provider_type = ?, sandbox_provider_id = ?, updated_at = ? WHERE id = ?
	`, providerType, providerID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res, "session", id)
}

func (s *sqliteStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "session", id)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "session", id)
}

func checkAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
