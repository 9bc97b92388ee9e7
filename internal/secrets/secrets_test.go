package secrets

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/crypto"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testCrypto(t *testing.T) *crypto.Service {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = 0x42
	}
	svc, err := crypto.NewService(1, key, nil)
	require.NoError(t, err)
	return svc
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := Provide(db, db, testCrypto(t), testLogger(t))
	require.NoError(t, err)
	return store
}

func TestEnvKeyFor(t *testing.T) {
	require.Equal(t, "OPENAI_API_KEY", EnvKeyFor(KindAIProvider, "openai"))
	require.Equal(t, "GITHUB_TOKEN", EnvKeyFor(KindSandboxProvider, "github"))
	require.Equal(t, "MY_CUSTOM_VAR", EnvKeyFor(KindEnvVar, "my-custom-var"))
}

func TestUpsertAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindAIProvider, "openai", "sk-test-123", true))

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "openai", items[0].ID)
	require.Equal(t, KindAIProvider, items[0].Kind)
	require.True(t, items[0].Enabled)
}

func TestUpsertReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindEnvVar, "FOO", "first", true))
	require.NoError(t, store.Upsert(ctx, KindEnvVar, "FOO", "second", true))

	env, err := store.GetAllAsEnv(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", env["FOO"])
}

func TestGetAllAsEnvSkipsDisabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindAIProvider, "anthropic", "sk-enabled", true))
	require.NoError(t, store.Upsert(ctx, KindAIProvider, "openai", "sk-disabled", false))

	env, err := store.GetAllAsEnv(ctx)
	require.NoError(t, err)
	require.Equal(t, "sk-enabled", env["ANTHROPIC_API_KEY"])
	_, present := env["OPENAI_API_KEY"]
	require.False(t, present)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindEnvVar, "TEMP", "value", true))
	require.NoError(t, store.Delete(ctx, "TEMP"))

	err := store.Delete(ctx, "TEMP")
	require.Error(t, err)
}

func TestServiceRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, testLogger(t))

	err := svc.Upsert(context.Background(), KindEnvVar, "Not Valid!", "value", true)
	require.Error(t, err)
}

func TestServiceRejectsInvalidKind(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, testLogger(t))

	err := svc.Upsert(context.Background(), Kind("bogus"), "valid-id", "value", true)
	require.Error(t, err)
}

func TestServiceBuildEnvVars(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, KindSandboxProvider, "docker-registry", "tok-abc", true))

	env, err := svc.BuildEnvVars(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-abc", env["DOCKER_REGISTRY_TOKEN"])
}
