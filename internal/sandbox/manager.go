package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
)

const defaultLogRingSize = 500

// SecretsSnapshotter provides the plaintext environment snapshot injected
// into a sandbox at creation time only. The manager calls this once per
// CreateForSession and never again for a given handle; ResumeSession does
// not take a snapshot.
type SecretsSnapshotter interface {
	BuildEnvVars(ctx context.Context) (map[string]string, error)
}

// EnvironmentConfig is the provider selection and provider-specific
// configuration a session's sandbox is created from.
type EnvironmentConfig struct {
	ID            string
	SandboxType   ProviderType
	RepositoryURL string
	Branch        string
	Resources     ResourceHints
}

// Manager is the singleton coordinator dispatching by provider type,
// holding active handles, and buffering recent log lines per session.
type Manager struct {
	providers map[ProviderType]Provider
	secrets   SecretsSnapshotter
	logger    *logger.Logger

	mu      sync.RWMutex
	handles map[string]Handle // sessionId -> handle

	ringMu sync.Mutex
	rings  map[string]*logRing // sessionId -> ring
	ring   int
}

// NewManager builds the sandbox manager over a set of providers keyed by
// type. Missing provider types fail at dispatch time with
// SandboxProvisioningError rather than at construction, so a deployment
// that only wires mock+container for its test environment does not need
// to stub out remote/microvm.
func NewManager(providers map[ProviderType]Provider, secrets SecretsSnapshotter, log *logger.Logger) *Manager {
	return &Manager{
		providers: providers,
		secrets:   secrets,
		logger:    log.WithFields(zap.String("component", "sandbox_manager")),
		handles:   make(map[string]Handle),
		rings:     make(map[string]*logRing),
		ring:      defaultLogRingSize,
	}
}

func (m *Manager) providerFor(t ProviderType) (Provider, error) {
	p, ok := m.providers[t]
	if !ok {
		return nil, apperrors.SandboxProvisioningError(fmt.Sprintf("no provider configured for type %q", t), nil)
	}
	return p, nil
}

func (m *Manager) logf(sessionID, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	m.appendLog(sessionID, line)
	m.logger.Debug(line, zap.String("session_id", sessionID))
}

// CreateForSession selects the provider by env.SandboxType (or mock if
// the session is chat-mode), builds the secrets snapshot, creates the
// sandbox, and stores the resulting handle.
func (m *Manager) CreateForSession(ctx context.Context, sessionID string, env EnvironmentConfig, chatMode bool, extraEnv map[string]string) (Handle, error) {
	m.logf(sessionID, "createForSession start type=%s", env.SandboxType)

	providerType := env.SandboxType
	if chatMode {
		providerType = ProviderMock
	}

	provider, err := m.providerFor(providerType)
	if err != nil {
		return nil, err
	}

	secretsEnv := map[string]string{}
	if m.secrets != nil {
		secretsEnv, err = m.secrets.BuildEnvVars(ctx)
		if err != nil {
			return nil, apperrors.SandboxProvisioningError("build secrets snapshot", err)
		}
	}

	handle, err := provider.Create(ctx, CreateOptions{
		SessionID:     sessionID,
		Env:           extraEnv,
		SecretsEnv:    secretsEnv,
		RepositoryURL: env.RepositoryURL,
		Branch:        env.Branch,
		Resources:     env.Resources,
	})
	if err != nil {
		m.logf(sessionID, "createForSession failed: %v", err)
		return nil, apperrors.SandboxProvisioningError("create sandbox", err)
	}

	m.mu.Lock()
	m.handles[sessionID] = handle
	m.mu.Unlock()

	m.logf(sessionID, "createForSession done provider_id=%s", handle.ProviderID())
	return handle, nil
}

// ResumeSession rebuilds a handle from persisted provider type/id, used on
// relay restart or after an idle-pause that did not terminate the
// underlying sandbox.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string, providerType ProviderType, providerID string, env EnvironmentConfig) (Handle, error) {
	m.logf(sessionID, "resumeSession start type=%s provider_id=%s", providerType, providerID)

	provider, err := m.providerFor(providerType)
	if err != nil {
		return nil, err
	}

	handle, err := provider.Resume(ctx, providerID, CreateOptions{
		SessionID:     sessionID,
		RepositoryURL: env.RepositoryURL,
		Branch:        env.Branch,
	})
	if err != nil {
		m.logf(sessionID, "resumeSession failed: %v", err)
		return nil, apperrors.SandboxProvisioningError("resume sandbox", err)
	}

	m.mu.Lock()
	m.handles[sessionID] = handle
	m.mu.Unlock()

	m.logf(sessionID, "resumeSession done")
	return handle, nil
}

// AttachSession opens the RPC channel for a session's current handle.
func (m *Manager) AttachSession(ctx context.Context, sessionID string) (Channel, error) {
	handle, ok := m.GetHandle(sessionID)
	if !ok {
		return nil, apperrors.NotFound("sandbox handle", sessionID)
	}

	channel, err := handle.Attach(ctx)
	if err != nil {
		m.logf(sessionID, "attachSession failed: %v", err)
		return nil, apperrors.SandboxChannelError("attach sandbox channel", err)
	}
	m.logf(sessionID, "attachSession done")
	return channel, nil
}

// GetHandle returns the currently-held handle for a session, if any.
func (m *Manager) GetHandle(sessionID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// GetHandleByType returns the held handle for a session only if its
// provider type matches, used by management paths that need to confirm
// which backend is actually running before issuing a provider-specific
// operation.
func (m *Manager) GetHandleByType(sessionID string, providerType ProviderType) (Handle, bool) {
	h, ok := m.GetHandle(sessionID)
	if !ok || h.ProviderType() != providerType {
		return nil, false
	}
	return h, true
}

// TerminateByProviderID terminates and forgets the handle for a session,
// used by delete and error-recovery flows. Idempotent: terminating a
// session with no held handle is not an error.
func (m *Manager) TerminateByProviderID(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.logf(sessionID, "terminateByProviderId start provider_id=%s", handle.ProviderID())
	if err := handle.Terminate(ctx); err != nil {
		m.logf(sessionID, "terminateByProviderId failed: %v", err)
		return apperrors.SandboxProvisioningError("terminate sandbox", err)
	}
	m.logf(sessionID, "terminateByProviderId done")
	return nil
}

// Pause pauses the session's sandbox. Idempotent with respect to an
// already-paused sandbox per the provider contract.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	handle, ok := m.GetHandle(sessionID)
	if !ok {
		return nil
	}
	m.logf(sessionID, "pause start")
	if err := handle.Pause(ctx); err != nil {
		return apperrors.SandboxProvisioningError("pause sandbox", err)
	}
	m.logf(sessionID, "pause done")
	return nil
}

// Terminate terminates the session's sandbox without forgetting it from
// the handle map, used by the idle reaper's idle->no-sandbox transition
// (the session stays tracked, just without a live sandbox).
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	handle, ok := m.GetHandle(sessionID)
	if !ok {
		return nil
	}
	m.logf(sessionID, "terminate (idle) start")
	if err := handle.Terminate(ctx); err != nil {
		return apperrors.SandboxProvisioningError("terminate idle sandbox", err)
	}
	m.logf(sessionID, "terminate (idle) done")
	return nil
}

// SetSecretsSnapshotter swaps the snapshotter used by future
// CreateForSession calls. Does not retroactively mutate
// already-running sandboxes: secrets are snapshotted at sandbox creation,
// never dynamically injected later.
func (m *Manager) SetSecretsSnapshotter(s SecretsSnapshotter) {
	m.secrets = s
}

// RecentLogs returns the buffered lifecycle lines the manager logged for a
// session (create, resume, attach, pause, terminate), most recent last.
// Sandbox stderr is not captured in this ring.
func (m *Manager) RecentLogs(sessionID string) []string {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	r, ok := m.rings[sessionID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (m *Manager) appendLog(sessionID, line string) {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	r, ok := m.rings[sessionID]
	if !ok {
		r = newLogRing(m.ring)
		m.rings[sessionID] = r
	}
	r.append(line)
}

// logRing is a bounded in-memory ring buffer of recent log lines. Not
// durable; cleared on process restart.
type logRing struct {
	lines []string
	cap   int
	next  int
	full  bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{lines: make([]string, capacity), cap: capacity}
}

func (r *logRing) append(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) snapshot() []string {
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}
