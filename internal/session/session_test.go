package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store, err := Provide(db, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession(mode Mode) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Mode:          mode,
		Status:        StatusCreating,
		EnvironmentID: "env-1",
		DataDir:       "/data/sessions/x",
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(ModeChat)
	require.NoError(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, StatusCreating, got.Status)
	require.False(t, got.LastActivityAt.IsZero())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := newSession(ModeCode)
	active.Status = StatusActive
	idle := newSession(ModeCode)
	idle.Status = StatusIdle

	require.NoError(t, store.Create(ctx, active))
	require.NoError(t, store.Create(ctx, idle))

	actives, err := store.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	require.Equal(t, active.ID, actives[0].ID)
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(ModeChat)
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusActive))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}

func TestUpdateStatusMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.UpdateStatus(context.Background(), "nope", StatusActive))
}

func TestUpdateSandboxBinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(ModeCode)
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.UpdateSandboxBinding(ctx, sess.ID, "container", "abc123"))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "container", got.SandboxProviderType)
	require.Equal(t, "abc123", got.SandboxProviderID)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(ModeChat)
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.Delete(ctx, sess.ID))

	_, err := store.Get(ctx, sess.ID)
	require.Error(t, err)
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestActivityTrackerFlushesOnStop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newSession(ModeCode)
	require.NoError(t, store.Create(ctx, sess))

	tracker := NewActivityTracker(store, testLog(t))
	tracker.Start()
	tracker.Touch(sess.ID)
	tracker.Stop()

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), got.LastActivityAt, 5*time.Second)
}
