// Package reaper implements the background idle timer that pauses and
// eventually tears down sandboxes for sessions with no recent activity.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/session"
)

const defaultTickInterval = 60 * time.Second

// SandboxPauser is the subset of the sandbox manager the reaper needs.
// Both calls must be idempotent with respect to a sandbox already in the
// target state.
type SandboxPauser interface {
	Pause(ctx context.Context, sessionID string) error
	Terminate(ctx context.Context, sessionID string) error
}

// Thresholds configures how long a session may sit idle-but-attached
// before the reaper pauses it, and how much longer after that before it
// tears the sandbox down entirely.
type Thresholds struct {
	ActiveIdleAfter time.Duration // active -> idle, and pause() issued
	IdleTerminateAfter time.Duration // idle -> sandbox terminated (session stays idle)
}

// Reaper runs a ticker-driven loop that enumerates active/idle sessions
// and moves them through the inactivity state machine. It holds no locks
// across its own decisions: a session transitioning concurrently (e.g. a
// client reconnecting mid-tick) is tolerated because every underlying
// operation (pause, terminate, status update) is idempotent.
type Reaper struct {
	store      session.Store
	sandbox    SandboxPauser
	thresholds Thresholds
	interval   time.Duration
	logger     *logger.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a reaper. interval of zero uses the default 60s tick.
func New(store session.Store, sandbox SandboxPauser, thresholds Thresholds, interval time.Duration, log *logger.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Reaper{
		store:      store,
		sandbox:    sandbox,
		thresholds: thresholds,
		interval:   interval,
		logger:     log.WithFields(zap.String("component", "idle_reaper")),
	}
}

// Start begins the periodic tick loop.
func (r *Reaper) Start() {
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the tick loop. It does not run a final tick.
func (r *Reaper) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.tick(context.Background())
		}
	}
}

// Tick runs one pass of the inactivity state machine. Exported for tests
// that want to drive it deterministically instead of waiting on a ticker.
func (r *Reaper) Tick(ctx context.Context) {
	r.tick(ctx)
}

func (r *Reaper) tick(ctx context.Context) {
	r.reapActive(ctx)
	r.reapIdle(ctx)
}

// reapActive moves active sessions whose lastActivityAt exceeds the idle
// threshold into idle, pausing their sandbox.
func (r *Reaper) reapActive(ctx context.Context) {
	sessions, err := r.store.ListByStatus(ctx, session.StatusActive)
	if err != nil {
		r.logger.Error("failed to list active sessions", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, s := range sessions {
		if now.Sub(s.LastActivityAt) < r.thresholds.ActiveIdleAfter {
			continue
		}

		if err := r.sandbox.Pause(ctx, s.ID); err != nil {
			r.logger.Warn("pause failed during idle transition", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if err := r.store.UpdateStatus(ctx, s.ID, session.StatusIdle); err != nil {
			r.logger.Warn("status update to idle failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		r.logger.Info("session idled", zap.String("session_id", s.ID))
	}
}

// reapIdle terminates the sandbox of sessions that have been idle past
// the second, larger threshold. The session itself stays idle; the next
// activate call recreates the sandbox.
func (r *Reaper) reapIdle(ctx context.Context) {
	sessions, err := r.store.ListByStatus(ctx, session.StatusIdle)
	if err != nil {
		r.logger.Error("failed to list idle sessions", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, s := range sessions {
		if now.Sub(s.LastActivityAt) < r.thresholds.ActiveIdleAfter+r.thresholds.IdleTerminateAfter {
			continue
		}

		if err := r.sandbox.Terminate(ctx, s.ID); err != nil {
			r.logger.Warn("terminate failed during idle cleanup", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		r.logger.Info("idle session sandbox terminated", zap.String("session_id", s.ID))
	}
}
