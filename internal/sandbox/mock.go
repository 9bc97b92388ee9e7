package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// mockProvider is the in-process variant used for chat sessions and tests.
// Every operation is instant; the channel is an in-memory pipe pair and
// events are synthesized by a tiny echo loop rather than a real process.
type mockProvider struct {
	logger *logger.Logger
}

// NewMockProvider builds the in-process mock sandbox provider.
func NewMockProvider(log *logger.Logger) Provider {
	return &mockProvider{logger: log.WithFields(zap.String("component", "mock_provider"))}
}

func (p *mockProvider) Type() ProviderType { return ProviderMock }

func (p *mockProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	providerID := "mock-" + uuid.New().String()
	p.logger.Info("mock sandbox created", zap.String("session_id", opts.SessionID), zap.String("provider_id", providerID))
	return newMockHandle(providerID, p.logger), nil
}

func (p *mockProvider) Resume(ctx context.Context, providerID string, opts CreateOptions) (Handle, error) {
	p.logger.Info("mock sandbox resumed", zap.String("provider_id", providerID))
	return newMockHandle(providerID, p.logger), nil
}

type mockHandle struct {
	providerID string
	logger     *logger.Logger

	mu      sync.Mutex
	status  string
	channel Channel
	agentR  *io.PipeReader
	agentW  *io.PipeWriter
}

func newMockHandle(providerID string, log *logger.Logger) *mockHandle {
	return &mockHandle{providerID: providerID, logger: log, status: "detached"}
}

func (h *mockHandle) ProviderType() ProviderType { return ProviderMock }
func (h *mockHandle) ProviderID() string         { return h.providerID }

// Attach wires up an in-memory echo loop: every JSON command the client
// sends produces three synthesized events, agent_start, an agent_message
// echoing the command's message field, and agent_end, enough to exercise
// the hub without a real agent process.
func (h *mockHandle) Attach(ctx context.Context) (Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clientSideR, agentSideW := io.Pipe()
	agentSideR, clientSideW := io.Pipe()
	h.agentR, h.agentW = agentSideR, agentSideW

	h.channel = NewLineChannel(clientSideR, clientSideW, clientSideWCloser{clientSideW, clientSideR})
	agentChannel := NewLineChannel(agentSideR, agentSideW, nopCloser{})

	go h.runEchoLoop(agentChannel)

	h.status = "attached"
	return h.channel, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type clientSideWCloser struct {
	w *io.PipeWriter
	r *io.PipeReader
}

func (c clientSideWCloser) Close() error {
	_ = c.w.Close()
	_ = c.r.Close()
	return nil
}

func (h *mockHandle) runEchoLoop(agentChannel Channel) {
	seq := 0
	for {
		raw, err := agentChannel.Receive()
		if err != nil {
			return
		}

		var cmd struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(raw, &cmd); jsonErr != nil {
			continue
		}

		seq++
		_ = agentChannel.Send(map[string]interface{}{
			"type": "agent_start",
			"seq":  seq,
		})
		seq++
		_ = agentChannel.Send(map[string]interface{}{
			"type":    "agent_message",
			"seq":     seq,
			"message": fmt.Sprintf("mock echo: %s", cmd.Message),
		})
		seq++
		_ = agentChannel.Send(map[string]interface{}{
			"type": "agent_end",
			"seq":  seq,
		})
	}
}

func (h *mockHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = "detached"
	return nil
}

func (h *mockHandle) Pause(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = "paused"
	return nil
}

func (h *mockHandle) Resume(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = "running"
	return nil
}

func (h *mockHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		_ = h.channel.Close()
	}
	if h.agentR != nil {
		_ = h.agentR.Close()
	}
	if h.agentW != nil {
		_ = h.agentW.Close()
	}
	h.status = "terminated"
	return nil
}

func (h *mockHandle) Describe(ctx context.Context) (DescribeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return DescribeResult{Status: h.status, Capabilities: []string{"instant"}}, nil
}
