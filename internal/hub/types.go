package hub

import (
	"context"
	"encoding/json"

	"github.com/kandev/relay/internal/journal"
	"github.com/kandev/relay/internal/sandbox"
)

// Session status values, matching the relay's session status machine:
// creating -> active -> idle -> active (reactivate) or -> archived/error.
const (
	StatusCreating = "creating"
	StatusActive   = "active"
	StatusIdle     = "idle"
	StatusError    = "error"
	StatusArchived = "archived"
)

const replayPageSize = 500

// SandboxAttacher is the subset of the sandbox manager a hub needs: opening
// the RPC channel for a session whose sandbox already exists.
type SandboxAttacher interface {
	AttachSession(ctx context.Context, sessionID string) (sandbox.Channel, error)
}

// EventJournal is the subset of the durable journal a hub needs.
type EventJournal interface {
	Append(ctx context.Context, sessionID string, eventType string, payload json.RawMessage) (int64, error)
	RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]journal.Event, int64, error)
}

// ActivityRecorder receives a touch every time a session has inbound or
// outbound traffic, feeding the idle reaper's inactivity clock. Debouncing
// is the recorder's responsibility, not the hub's.
type ActivityRecorder interface {
	Touch(sessionID string)
}

// CommandRequest is one message a client wants written to the sandbox.
// An empty Tag means fire-and-forget; a non-empty Tag registers a
// correlation so the matching RPC response is routed back to OriginID
// instead of fanned out to every client.
type CommandRequest struct {
	Tag      string
	OriginID string
	Payload  interface{}
}

type outboundCommand struct {
	tag      string
	originID string
	payload  interface{}
}

// inboundEnvelope peeks at just enough of an agent message's shape to
// decide how to route it, without committing to its full schema.
type inboundEnvelope struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}
