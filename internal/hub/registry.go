package hub

import (
	"sync"

	"github.com/kandev/relay/internal/common/logger"
)

// Registry owns the one-hub-per-session map. The API layer (REST handlers
// and the WebSocket handler) goes through it rather than constructing Hubs
// directly, so a
// session's hub is created exactly once and found by every caller
// afterward.
type Registry struct {
	attacher SandboxAttacher
	journal  EventJournal
	activity ActivityRecorder
	logger   *logger.Logger

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry builds a hub registry sharing one attacher/journal/activity
// recorder across every session's hub.
func NewRegistry(attacher SandboxAttacher, j EventJournal, activity ActivityRecorder, log *logger.Logger) *Registry {
	return &Registry{
		attacher: attacher,
		journal:  j,
		activity: activity,
		logger:   log,
		hubs:     make(map[string]*Hub),
	}
}

// GetOrCreate returns the existing hub for sessionID, or builds and stores
// a new detached one. Callers still need to call AttachSandbox themselves.
func (r *Registry) GetOrCreate(sessionID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[sessionID]; ok {
		return h
	}
	h := New(sessionID, r.attacher, r.journal, r.activity, r.logger)
	r.hubs[sessionID] = h
	return h
}

// Get returns the hub for sessionID if one has been created.
func (r *Registry) Get(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	return h, ok
}

// Forget shuts down and removes a session's hub. Used on archive/delete.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	h, ok := r.hubs[sessionID]
	if ok {
		delete(r.hubs, sessionID)
	}
	r.mu.Unlock()

	if ok {
		h.Shutdown()
	}
}
