package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

const clientSendBuffer = 256

// Client is one connected WebSocket (or equivalent) observer of a session.
// A client is owned by exactly one Hub at a time.
type Client struct {
	ID     string
	send   chan []byte
	logger *logger.Logger

	mu        sync.Mutex
	replaying bool
	pending   [][]byte
	closed    bool
}

// NewClient wraps a client connection's outbound queue. The caller is
// responsible for draining Send() and writing each message to the wire.
func NewClient(id string, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		send:   make(chan []byte, clientSendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Send returns the channel the caller's write pump should drain.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// beginReplay switches the client into buffering mode: live fan-out is
// held in pending until endReplay flushes it, so a client mid-replay never
// sees a live event ahead of the replay tail it is still catching up on.
func (c *Client) beginReplay() {
	c.mu.Lock()
	c.replaying = true
	c.mu.Unlock()
}

// endReplay flushes anything buffered during replay, in arrival order, and
// returns the client to live fan-out mode. Returns false if the client's
// send queue overflowed while flushing, in which case the caller must
// disconnect it.
func (c *Client) endReplay() bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.replaying = false
	c.mu.Unlock()

	for _, msg := range pending {
		if !c.trySend(msg) {
			return false
		}
	}
	return true
}

// deliver routes a message to the client, buffering it if replay is still
// in flight. Returns false on backpressure overflow.
func (c *Client) deliver(msg []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.replaying {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return c.trySend(msg)
}

// trySend writes directly to the wire-facing queue without buffering,
// used for replay frames themselves and for live delivery. Guarded by mu
// so it can never race Close's channel close with a send.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops further delivery. Safe to call more than once and safe to
// call concurrently with trySend/deliver.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}
