package sandbox

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineChannelSendReceiveRoundTrip(t *testing.T) {
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()

	client := NewLineChannel(clientR, clientW, nopCloser{})
	agent := NewLineChannel(agentR, agentW, nopCloser{})

	done := make(chan error, 1)
	go func() {
		done <- client.Send(map[string]string{"type": "prompt", "message": "hi"})
	}()

	raw, err := agent.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "prompt", decoded["type"])
	require.Equal(t, "hi", decoded["message"])
}

func TestLineChannelCloseIsTerminal(t *testing.T) {
	r, w := io.Pipe()
	ch := NewLineChannel(r, w, w)

	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Send(map[string]string{"type": "x"}), ErrChannelClosed)

	_, err := ch.Receive()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestLineChannelCloseIsIdempotent(t *testing.T) {
	r, w := io.Pipe()
	ch := NewLineChannel(r, w, w)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestLineChannelParseErrorDoesNotCloseChannel(t *testing.T) {
	clientR, agentW := io.Pipe()
	agent := NewLineChannel(clientR, nil, nopCloser{})

	go func() {
		_, _ = agentW.Write([]byte("not json\n"))
		_, _ = agentW.Write([]byte(`{"type":"ok"}` + "\n"))
	}()

	_, err := agent.Receive()
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)

	raw, err := agent.Receive()
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "ok", decoded["type"])
}

func TestLineChannelEndOfStream(t *testing.T) {
	r, w := io.Pipe()
	ch := NewLineChannel(r, nil, nopCloser{})

	go w.Close()

	_, err := ch.Receive()
	require.ErrorIs(t, err, ErrEndOfStream)
}
