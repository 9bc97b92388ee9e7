// Package hub implements the per-session multiplexer that fans out one
// sandbox's event stream to every connected client with ordered replay,
// and serializes client commands back onto the sandbox channel.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/sandbox"
)

const outboundQueueSize = 256

// Hub owns exactly one sandbox channel (which may be absent while the
// session is idle or still being created) and a set of connected clients.
// One Hub exists per session id.
type Hub struct {
	sessionID string
	attacher  SandboxAttacher
	journal   EventJournal
	activity  ActivityRecorder
	logger    *logger.Logger

	outbound chan outboundCommand

	mu               sync.Mutex
	status           string
	channel          sandbox.Channel
	clients          map[string]*Client
	correlations     map[string]string // command tag -> client id
	lastSeq          int64
	lastClientGoneAt time.Time
	cancel           context.CancelFunc
}

// New builds a detached hub. Call AttachSandbox to bring up the reader and
// writer tasks once a sandbox handle exists for the session.
func New(sessionID string, attacher SandboxAttacher, j EventJournal, activity ActivityRecorder, log *logger.Logger) *Hub {
	return &Hub{
		sessionID:    sessionID,
		attacher:     attacher,
		journal:      j,
		activity:     activity,
		logger:       log.WithFields(zap.String("component", "session_hub"), zap.String("session_id", sessionID)),
		outbound:     make(chan outboundCommand, outboundQueueSize),
		status:       StatusCreating,
		clients:      make(map[string]*Client),
		correlations: make(map[string]string),
	}
}

// Status returns the current session status.
func (h *Hub) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastSeq returns the highest journaled seq for this session.
func (h *Hub) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq
}

// LastClientGoneAt returns the time the connected-client set last became
// empty, or the zero time if clients are currently connected or none ever
// disconnected.
func (h *Hub) LastClientGoneAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastClientGoneAt
}

// IsAttached reports whether a sandbox channel is currently open.
func (h *Hub) IsAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channel != nil
}

// AttachSandbox ensures a sandbox channel is open and the reader/writer
// tasks are running. Calling it while already attached is a no-op.
func (h *Hub) AttachSandbox(ctx context.Context) error {
	h.mu.Lock()
	if h.channel != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	channel, err := h.attacher.AttachSession(ctx, h.sessionID)
	if err != nil {
		h.mu.Lock()
		h.status = StatusError
		h.mu.Unlock()
		return apperrors.SandboxChannelError("attach sandbox channel", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	h.channel = channel
	h.status = StatusActive
	h.cancel = cancel
	h.mu.Unlock()

	go h.readerLoop(runCtx, channel)
	go h.writerLoop(runCtx, channel)

	h.logger.Info("sandbox attached")
	return nil
}

// Shutdown marks the session archived, tears down the sandbox channel, and
// disconnects every client. Use for explicit archive/delete, not for
// transient idle transitions (see the reaper, which uses Terminate on the
// manager and leaves the hub's clients connected).
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.status = StatusArchived
	channel := h.channel
	h.channel = nil
	cancel := h.cancel
	h.cancel = nil
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if channel != nil {
		_ = channel.Close()
	}
	for _, c := range clients {
		c.Close()
	}
}

// RegisterClient adds a client to the connected set. If the client's
// lastSeq cursor trails the session's current lastSeq, it is put into
// replay mode first: a connected frame, then replay_start/events/replay_end
// from the journal, then live fan-out resumes from where replay left off.
func (h *Hub) RegisterClient(ctx context.Context, client *Client, clientLastSeq int64) {
	h.mu.Lock()
	current := h.lastSeq
	needsReplay := clientLastSeq < current
	if needsReplay {
		client.beginReplay()
	}
	h.clients[client.ID] = client
	h.lastClientGoneAt = time.Time{}
	h.mu.Unlock()

	connected, _ := json.Marshal(map[string]interface{}{"type": "connected", "lastSeq": current})
	client.trySend(connected)

	if !needsReplay {
		return
	}

	go h.replayTo(ctx, client, clientLastSeq, current)
}

// UnregisterClient removes a client from the connected set. If this empties
// the set, the last-client-gone timestamp is recorded; the sandbox channel
// is left attached for the idle reaper to decide about.
func (h *Hub) UnregisterClient(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	empty := len(h.clients) == 0
	if empty {
		h.lastClientGoneAt = time.Now()
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

// EnqueueCommand serializes a client command onto the sandbox's writer
// queue. Correlated commands (non-empty Tag) register a pending response
// route before the write is issued, so the response can never arrive
// before the routing entry exists.
func (h *Hub) EnqueueCommand(ctx context.Context, cmd CommandRequest) error {
	h.mu.Lock()
	attached := h.channel != nil
	h.mu.Unlock()
	if !attached {
		return apperrors.SandboxChannelError("sandbox not attached", nil)
	}

	if cmd.Tag != "" {
		h.mu.Lock()
		h.correlations[cmd.Tag] = cmd.OriginID
		h.mu.Unlock()
	}

	select {
	case h.outbound <- outboundCommand{tag: cmd.Tag, originID: cmd.OriginID, payload: cmd.Payload}:
		if h.activity != nil {
			h.activity.Touch(h.sessionID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) writerLoop(ctx context.Context, channel sandbox.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.outbound:
			if err := channel.Send(cmd.payload); err != nil {
				h.logger.Warn("sandbox write failed", zap.Error(err))
				h.handleChannelClosed(channel, err)
				return
			}
		}
	}
}

func (h *Hub) readerLoop(ctx context.Context, channel sandbox.Channel) {
	for {
		raw, err := channel.Receive()
		if err != nil {
			var parseErr *sandbox.ParseError
			if errors.As(err, &parseErr) {
				h.logger.Warn("unrecognized agent message", zap.Error(err))
				continue
			}
			h.handleChannelClosed(channel, err)
			return
		}

		h.handleMessage(ctx, channel, raw)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, channel sandbox.Channel, raw json.RawMessage) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("malformed agent message", zap.Error(err))
		return
	}

	if h.activity != nil {
		h.activity.Touch(h.sessionID)
	}

	if env.Command != "" {
		h.routeResponse(env.Command, raw)
		return
	}

	eventType := env.Type
	if eventType == "" {
		eventType = "event"
	}

	seq, err := h.journal.Append(ctx, h.sessionID, eventType, raw)
	if err != nil {
		h.logger.Warn("journal append failed, retrying with a fresh seq", zap.Error(err))
		seq, err = h.journal.Append(ctx, h.sessionID, eventType, raw)
	}
	if err != nil {
		h.logger.Error("journal append failed twice, detaching hub and marking session error", zap.Error(err))
		h.handleChannelClosed(channel, apperrors.JournalError("append event", err))
		return
	}

	h.fanout(seq, attachSeq(raw, seq))
}

func (h *Hub) routeResponse(tag string, raw json.RawMessage) {
	h.mu.Lock()
	clientID, ok := h.correlations[tag]
	if ok {
		delete(h.correlations, tag)
	}
	var client *Client
	if ok {
		client = h.clients[clientID]
	}
	h.mu.Unlock()

	if !ok || client == nil {
		h.logger.Warn("rpc response with no waiting client", zap.String("command_tag", tag))
		return
	}
	if !client.deliver(raw) {
		h.logger.Warn("client backpressure overflow", zap.String("client_id", clientID))
		h.UnregisterClient(clientID)
	}
}

func (h *Hub) fanout(seq int64, data []byte) {
	h.mu.Lock()
	h.lastSeq = seq
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.deliver(data) {
			h.logger.Warn("client backpressure overflow", zap.String("client_id", c.ID))
			h.UnregisterClient(c.ID)
		}
	}
}

func (h *Hub) replayTo(ctx context.Context, client *Client, clientLastSeq, currentLastSeq int64) {
	replayStart, _ := json.Marshal(map[string]string{"type": "replay_start"})
	client.trySend(replayStart)

	after := clientLastSeq
	for after < currentLastSeq {
		events, _, err := h.journal.RangeAfter(ctx, h.sessionID, after, replayPageSize)
		if err != nil {
			h.logger.Error("replay range query failed", zap.Error(err))
			break
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			client.trySend(attachSeq(e.Payload, e.Seq))
			after = e.Seq
		}
	}

	replayEnd, _ := json.Marshal(map[string]string{"type": "replay_end"})
	client.trySend(replayEnd)

	if !client.endReplay() {
		h.logger.Warn("client backpressure overflow during replay flush", zap.String("client_id", client.ID))
		h.UnregisterClient(client.ID)
	}
}

// handleChannelClosed is the unrecoverable-sandbox-failure path: mark the
// session errored, broadcast an error event, and detach. Clients must
// request activation again to rebuild.
func (h *Hub) handleChannelClosed(channel sandbox.Channel, cause error) {
	h.mu.Lock()
	if h.channel != channel {
		// already superseded by a newer attach or an explicit shutdown
		h.mu.Unlock()
		return
	}
	if h.status == StatusArchived {
		h.mu.Unlock()
		return
	}
	h.status = StatusError
	h.channel = nil
	h.mu.Unlock()

	_ = channel.Close()

	message := "sandbox channel closed"
	if cause != nil && !errors.Is(cause, sandbox.ErrEndOfStream) {
		message = cause.Error()
	}
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": message})

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.trySend(frame)
	}

	h.logger.Warn("sandbox channel closed, session marked error", zap.Error(cause))
}

// attachSeq copies a journaled payload's top-level JSON object and adds its
// assigned seq, so clients never need to cross-reference a separate index.
func attachSeq(raw json.RawMessage, seq int64) []byte {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		fields = map[string]interface{}{}
	}
	fields["seq"] = seq
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
