package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

const defaultActivityFlushInterval = 2 * time.Second

// ActivityTracker coalesces last-activity-at writes. Every sandbox event
// touches the session's activity clock, but writing that to the store on
// every single event would turn a chatty agent into a write amplifier; the
// tracker instead keeps the latest touch per session in memory and flushes
// dirty entries on a ticker.
type ActivityTracker struct {
	store    Store
	logger   *logger.Logger
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewActivityTracker builds a tracker over store. Call Start to begin the
// periodic flush and Stop to flush one last time before shutdown.
func NewActivityTracker(store Store, log *logger.Logger) *ActivityTracker {
	return &ActivityTracker{
		store:    store,
		logger:   log.WithFields(zap.String("component", "activity_tracker")),
		interval: defaultActivityFlushInterval,
		dirty:    make(map[string]time.Time),
	}
}

// Start begins the periodic flush goroutine.
func (t *ActivityTracker) Start() {
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.flushLoop()
}

// Stop stops the flush goroutine and flushes any remaining touches.
func (t *ActivityTracker) Stop() {
	close(t.done)
	t.wg.Wait()
	t.flushAll(context.Background())
}

// Touch records that sessionID had inbound or outbound sandbox traffic
// just now. Safe to call from any goroutine; never blocks on the store.
func (t *ActivityTracker) Touch(sessionID string) {
	t.mu.Lock()
	t.dirty[sessionID] = time.Now().UTC()
	t.mu.Unlock()
}

func (t *ActivityTracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.flushAll(context.Background())
		}
	}
}

func (t *ActivityTracker) flushAll(ctx context.Context) {
	t.mu.Lock()
	pending := t.dirty
	t.dirty = make(map[string]time.Time)
	t.mu.Unlock()

	for sessionID, at := range pending {
		if err := t.store.TouchActivity(ctx, sessionID, at); err != nil {
			t.logger.Warn("failed to flush session activity", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}
