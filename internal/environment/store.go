package environment

import "context"

// Store is the relational store backing the environment-config registry.
type Store interface {
	Create(ctx context.Context, cfg *Config) error
	Get(ctx context.Context, id string) (*Config, error)
	List(ctx context.Context) ([]Config, error)
	ListEnabled(ctx context.Context) ([]Config, error)
	Default(ctx context.Context) (*Config, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	Close() error
}
