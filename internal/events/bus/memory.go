package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// MemoryEventBus is the single-process fallback used when no NATS URL is
// configured. It has no subscribers of its own; Publish only logs, since
// this relay's one producer (session lifecycle notifications) has no
// in-process consumer to deliver to.
type MemoryEventBus struct {
	mu     sync.RWMutex
	logger *logger.Logger
	closed bool
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log,
	}
}

// Publish records the event in the log. There is no subscriber path in
// the in-memory bus; NATS is required to actually fan lifecycle events
// out to other processes.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.logger.Info("Memory event bus closed")
}
