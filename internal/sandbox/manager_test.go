package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	env map[string]string
}

func (f *fakeSecrets) BuildEnvVars(ctx context.Context) (map[string]string, error) {
	return f.env, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	providers := map[ProviderType]Provider{
		ProviderMock: NewMockProvider(testLog(t)),
	}
	return NewManager(providers, &fakeSecrets{env: map[string]string{"FOO": "bar"}}, testLog(t))
}

func TestManagerCreateForSessionUsesMockForChatMode(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.CreateForSession(ctx, "s1", EnvironmentConfig{SandboxType: ProviderContainer}, true, nil)
	require.NoError(t, err)
	require.Equal(t, ProviderMock, handle.ProviderType())

	got, ok := m.GetHandle("s1")
	require.True(t, ok)
	require.Equal(t, handle, got)
}

func TestManagerCreateForSessionUnknownProviderFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateForSession(context.Background(), "s1", EnvironmentConfig{SandboxType: ProviderContainer}, false, nil)
	require.Error(t, err)
}

func TestManagerAttachSessionNoHandleFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AttachSession(context.Background(), "unknown")
	require.Error(t, err)
}

func TestManagerAttachSessionOpensChannel(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateForSession(ctx, "s1", EnvironmentConfig{SandboxType: ProviderMock}, true, nil)
	require.NoError(t, err)

	channel, err := m.AttachSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, channel)
}

func TestManagerTerminateByProviderIDForgetsHandle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateForSession(ctx, "s1", EnvironmentConfig{SandboxType: ProviderMock}, true, nil)
	require.NoError(t, err)

	require.NoError(t, m.TerminateByProviderID(ctx, "s1"))

	_, ok := m.GetHandle("s1")
	require.False(t, ok)
}

func TestManagerTerminateByProviderIDIsIdempotentWhenAbsent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.TerminateByProviderID(context.Background(), "never-existed"))
}

func TestManagerGetHandleByTypeFiltersMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateForSession(ctx, "s1", EnvironmentConfig{SandboxType: ProviderMock}, true, nil)
	require.NoError(t, err)

	_, ok := m.GetHandleByType("s1", ProviderContainer)
	require.False(t, ok)

	_, ok = m.GetHandleByType("s1", ProviderMock)
	require.True(t, ok)
}

func TestManagerRecentLogsCapturesLifecycleEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateForSession(ctx, "s1", EnvironmentConfig{SandboxType: ProviderMock}, true, nil)
	require.NoError(t, err)

	logs := m.RecentLogs("s1")
	require.NotEmpty(t, logs)
}

func TestLogRingWrapsAroundCapacity(t *testing.T) {
	r := newLogRing(3)
	r.append("a")
	r.append("b")
	r.append("c")
	r.append("d")

	require.Equal(t, []string{"b", "c", "d"}, r.snapshot())
}
