package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/session"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeStore(sessions ...*session.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[string]*session.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (f *fakeStore) Create(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) List(ctx context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) ListByStatus(ctx context.Context, status session.Status) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return errNotFound
	}
	s.Status = status
	return nil
}

func (f *fakeStore) UpdateSandboxBinding(ctx context.Context, id, providerType, providerID string) error {
	return nil
}

func (f *fakeStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return errNotFound
	}
	s.LastActivityAt = at
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) statusOf(id string) session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Status
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("not found")

type fakeSandbox struct {
	mu        sync.Mutex
	paused    map[string]bool
	terminated map[string]bool
	failPause string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{paused: make(map[string]bool), terminated: make(map[string]bool)}
}

func (f *fakeSandbox) Pause(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == f.failPause {
		return errString("pause failed")
	}
	f.paused[sessionID] = true
	return nil
}

func (f *fakeSandbox) Terminate(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[sessionID] = true
	return nil
}

func (f *fakeSandbox) wasPaused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[id]
}

func (f *fakeSandbox) wasTerminated(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated[id]
}

func thresholds() Thresholds {
	return Thresholds{ActiveIdleAfter: 10 * time.Minute, IdleTerminateAfter: 20 * time.Minute}
}

func TestTickIdlesStaleActiveSession(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusActive, LastActivityAt: time.Now().UTC().Add(-15 * time.Minute)}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.True(t, sandbox.wasPaused("s1"))
	require.Equal(t, session.StatusIdle, store.statusOf("s1"))
}

func TestTickLeavesFreshActiveSessionAlone(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusActive, LastActivityAt: time.Now().UTC()}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.False(t, sandbox.wasPaused("s1"))
	require.Equal(t, session.StatusActive, store.statusOf("s1"))
}

func TestTickDoesNotIdleWhenPauseFails(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusActive, LastActivityAt: time.Now().UTC().Add(-15 * time.Minute)}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()
	sandbox.failPause = "s1"

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.Equal(t, session.StatusActive, store.statusOf("s1"))
}

func TestTickTerminatesLongIdleSession(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusIdle, LastActivityAt: time.Now().UTC().Add(-35 * time.Minute)}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.True(t, sandbox.wasTerminated("s1"))
	require.Equal(t, session.StatusIdle, store.statusOf("s1"))
}

func TestTickLeavesRecentlyIdledSessionAlone(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusIdle, LastActivityAt: time.Now().UTC().Add(-12 * time.Minute)}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.False(t, sandbox.wasTerminated("s1"))
}

func TestTickIgnoresArchivedAndErrorSessions(t *testing.T) {
	archived := &session.Session{ID: "archived", Status: session.StatusArchived, LastActivityAt: time.Now().UTC().Add(-time.Hour)}
	errored := &session.Session{ID: "errored", Status: session.StatusError, LastActivityAt: time.Now().UTC().Add(-time.Hour)}
	store := newFakeStore(archived, errored)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), time.Second, testLog(t))
	r.Tick(context.Background())

	require.False(t, sandbox.wasPaused("archived"))
	require.False(t, sandbox.wasTerminated("archived"))
	require.False(t, sandbox.wasPaused("errored"))
	require.False(t, sandbox.wasTerminated("errored"))
}

func TestStartStopRunsWithoutDeadlock(t *testing.T) {
	sess := &session.Session{ID: "s1", Status: session.StatusActive, LastActivityAt: time.Now().UTC()}
	store := newFakeStore(sess)
	sandbox := newFakeSandbox()

	r := New(store, sandbox, thresholds(), 10*time.Millisecond, testLog(t))
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
