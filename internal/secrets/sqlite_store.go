package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/crypto"
)

type sqliteStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	crypto *crypto.Service
	logger *logger.Logger
	ownsDB bool
}

var _ Store = (*sqliteStore)(nil)

// Provide creates the SQLite secret store using separate writer and reader
// handles, the way the relational stores elsewhere in this codebase split
// reads from the single SQLite writer connection.
func Provide(writer, reader *sqlx.DB, svc *crypto.Service, log *logger.Logger) (Store, error) {
	store := &sqliteStore{db: writer, ro: reader, crypto: svc, logger: log}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		id              TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		enabled         INTEGER NOT NULL DEFAULT 1,
		ciphertext      BLOB NOT NULL,
		nonce           BLOB NOT NULL,
		key_version     INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_kind ON secrets(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, kind Kind, id string, plaintext string, enabled bool) error {
	if !ValidKind(kind) {
		return fmt.Errorf("invalid secret kind: %s", kind)
	}

	rec, err := s.crypto.Encrypt([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (id, kind, enabled, ciphertext, nonce, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			enabled = excluded.enabled,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`,
		id, string(kind), enabled, rec.Ciphertext, rec.Nonce, rec.KeyVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("secret not found: %s", id)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Summary, error) {
	var rows []Summary
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, kind, enabled, created_at, updated_at
		FROM secrets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return rows, nil
}

type secretRow struct {
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	Enabled    bool   `db:"enabled"`
	Ciphertext []byte `db:"ciphertext"`
	Nonce      []byte `db:"nonce"`
	KeyVersion int    `db:"key_version"`
}

// GetAllAsEnv decrypts every enabled secret and projects it to an
// environment-variable map. A decrypt failure for one row is logged and
// skipped rather than failing the whole sandbox start.
func (s *sqliteStore) GetAllAsEnv(ctx context.Context) (map[string]string, error) {
	var rows []secretRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, kind, enabled, ciphertext, nonce, key_version
		FROM secrets WHERE enabled = 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("query enabled secrets: %w", err)
	}

	env := make(map[string]string, len(rows))
	for _, row := range rows {
		rec := crypto.Record{Ciphertext: row.Ciphertext, Nonce: row.Nonce, KeyVersion: row.KeyVersion}
		plain, err := s.crypto.Decrypt(rec)
		if err != nil {
			s.logger.Warn("skipping secret with undecryptable value",
				zap.String("secret_id", row.ID), zap.Error(err))
			continue
		}
		env[EnvKeyFor(Kind(row.Kind), row.ID)] = string(plain)
	}
	return env, nil
}
