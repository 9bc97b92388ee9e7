package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestMockProviderCreateAndEcho(t *testing.T) {
	provider := NewMockProvider(testLog(t))
	ctx := context.Background()

	handle, err := provider.Create(ctx, CreateOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, ProviderMock, handle.ProviderType())

	channel, err := handle.Attach(ctx)
	require.NoError(t, err)

	require.NoError(t, channel.Send(map[string]string{"type": "prompt", "message": "hello"}))

	var gotTypes []string
	for i := 0; i < 3; i++ {
		raw, err := channel.Receive()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		gotTypes = append(gotTypes, msg["type"].(string))
	}
	require.Equal(t, []string{"agent_start", "agent_message", "agent_end"}, gotTypes)

	require.NoError(t, handle.Terminate(ctx))
}

func TestMockProviderPauseResumeIdempotent(t *testing.T) {
	provider := NewMockProvider(testLog(t))
	ctx := context.Background()

	handle, err := provider.Create(ctx, CreateOptions{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, handle.Pause(ctx))
	require.NoError(t, handle.Pause(ctx))

	desc, err := handle.Describe(ctx)
	require.NoError(t, err)
	require.Equal(t, "paused", desc.Status)

	require.NoError(t, handle.Resume(ctx))
	desc, err = handle.Describe(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", desc.Status)
}

func TestMockProviderResumeRebuildsHandle(t *testing.T) {
	provider := NewMockProvider(testLog(t))
	ctx := context.Background()

	handle, err := provider.Resume(ctx, "mock-existing-id", CreateOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "mock-existing-id", handle.ProviderID())
}

func TestMockProviderTerminateClosesChannel(t *testing.T) {
	provider := NewMockProvider(testLog(t))
	ctx := context.Background()

	handle, err := provider.Create(ctx, CreateOptions{SessionID: "s1"})
	require.NoError(t, err)

	channel, err := handle.Attach(ctx)
	require.NoError(t, err)

	require.NoError(t, handle.Terminate(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := channel.Receive()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Receive to unblock after Terminate")
	}
}
