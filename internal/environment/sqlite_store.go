package environment

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Provide builds the environment-config store and ensures its schema
// exists. writer and reader may be the same *sqlx.DB for sqlite, or a
// primary/replica split under Postgres.
func Provide(writer, reader *sqlx.DB) (Store, error) {
	store := &sqliteStore{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("environment schema init: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environment_configs (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT DEFAULT '',
		sandbox_type    TEXT NOT NULL,
		image           TEXT DEFAULT '',
		tag             TEXT DEFAULT '',
		working_dir     TEXT DEFAULT '',
		required_env    TEXT NOT NULL DEFAULT '[]',
		mounts          TEXT NOT NULL DEFAULT '[]',
		resource_limits TEXT NOT NULL DEFAULT '{}',
		capabilities    TEXT NOT NULL DEFAULT '[]',
		is_default      BOOLEAN NOT NULL DEFAULT 0,
		enabled         BOOLEAN NOT NULL DEFAULT 1,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type configRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	SandboxType    string    `db:"sandbox_type"`
	Image          string    `db:"image"`
	Tag            string    `db:"tag"`
	WorkingDir     string    `db:"working_dir"`
	RequiredEnv    string    `db:"required_env"`
	Mounts         string    `db:"mounts"`
	ResourceLimits string    `db:"resource_limits"`
	Capabilities   string    `db:"capabilities"`
	IsDefault      bool      `db:"is_default"`
	Enabled        bool      `db:"enabled"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r configRow) toConfig() (Config, error) {
	cfg := Config{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		SandboxType: r.SandboxType,
		Image:       r.Image,
		Tag:         r.Tag,
		WorkingDir:  r.WorkingDir,
		Default:     r.IsDefault,
		Enabled:     r.Enabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.RequiredEnv), &cfg.RequiredEnv); err != nil {
		return Config{}, fmt.Errorf("decode required_env: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Mounts), &cfg.Mounts); err != nil {
		return Config{}, fmt.Errorf("decode mounts: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ResourceLimits), &cfg.ResourceLimits); err != nil {
		return Config{}, fmt.Errorf("decode resource_limits: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Capabilities), &cfg.Capabilities); err != nil {
		return Config{}, fmt.Errorf("decode capabilities: %w", err)
	}
	return cfg, nil
}

func rowFrom(cfg *Config) (configRow, error) {
	requiredEnv, err := json.Marshal(cfg.RequiredEnv)
	if err != nil {
		return configRow{}, err
	}
	mounts, err := json.Marshal(cfg.Mounts)
	if err != nil {
		return configRow{}, err
	}
	limits, err := json.Marshal(cfg.ResourceLimits)
	if err != nil {
		return configRow{}, err
	}
	capabilities, err := json.Marshal(cfg.Capabilities)
	if err != nil {
		return configRow{}, err
	}
	return configRow{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Description:    cfg.Description,
		SandboxType:    cfg.SandboxType,
		Image:          cfg.Image,
		Tag:            cfg.Tag,
		WorkingDir:     cfg.WorkingDir,
		RequiredEnv:    string(requiredEnv),
		Mounts:         string(mounts),
		ResourceLimits: string(limits),
		Capabilities:   string(capabilities),
		IsDefault:      cfg.Default,
		Enabled:        cfg.Enabled,
	}, nil
}

func (s *sqliteStore) Create(ctx context.Context, cfg *Config) error {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	row, err := rowFrom(cfg)
	if err != nil {
		return fmt.Errorf("encode environment config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environment_configs (id, name, description, sandbox_type, image, tag, working_dir,
			required_env, mounts, resource_limits, capabilities, is_default, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.Name, row.Description, row.SandboxType, row.Image, row.Tag, row.WorkingDir,
		row.RequiredEnv, row.Mounts, row.ResourceLimits, row.Capabilities, row.IsDefault, row.Enabled, now, now)
	if err != nil {
		return apperrors.JournalError("create environment config", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Config, error) {
	var row configRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM environment_configs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("environment config", id)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := row.toConfig()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Config, error) {
	var rows []configRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM environment_configs ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	return toConfigs(rows)
}

func (s *sqliteStore) ListEnabled(ctx context.Context) ([]Config, error) {
	var rows []configRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM environment_configs WHERE enabled = 1 ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	return toConfigs(rows)
}

func (s *sqliteStore) Default(ctx context.Context) (*Config, error) {
	var row configRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM environment_configs WHERE is_default = 1 AND enabled = 1 LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("environment config", "default")
	}
	if err != nil {
		return nil, err
	}
	cfg, err := row.toConfig()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE environment_configs SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("environment config", id)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environment_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("environment config", id)
	}
	return nil
}

func toConfigs(rows []configRow) ([]Config, error) {
	configs := make([]Config, len(rows))
	for i, r := range rows {
		cfg, err := r.toConfig()
		if err != nil {
			return nil, err
		}
		configs[i] = cfg
	}
	return configs, nil
}
