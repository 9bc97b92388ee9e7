package session

import (
	"context"
	"time"
)

// Store persists sessions and their status/activity transitions. Every
// method must be safe for concurrent use: the hub, the reaper, and the
// HTTP surface all call into it from their own goroutines.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]Session, error)
	ListByStatus(ctx context.Context, status Status) ([]Session, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateSandboxBinding(ctx context.Context, id string, providerType, providerID string) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	Close() error
}
