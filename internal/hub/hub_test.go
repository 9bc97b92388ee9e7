package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/journal"
	"github.com/kandev/relay/internal/sandbox"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type pipeCloser struct {
	a io.Closer
	b io.Closer
}

func (p pipeCloser) Close() error {
	_ = p.a.Close()
	_ = p.b.Close()
	return nil
}

// harness wires a sandbox.Channel over in-process pipes: writing to
// agentW simulates the sandbox emitting a line; reading from toAgentR
// observes what the hub writer wrote to the sandbox.
type harness struct {
	channel sandbox.Channel
	agentW  *io.PipeWriter
	toAgent *io.PipeReader
}

func newHarness() *harness {
	fromAgentR, agentW := io.Pipe()
	toAgentR, toAgentW := io.Pipe()
	channel := sandbox.NewLineChannel(fromAgentR, toAgentW, pipeCloser{fromAgentR, toAgentW})
	return &harness{channel: channel, agentW: agentW, toAgent: toAgentR}
}

func (h *harness) emit(t *testing.T, obj interface{}) {
	t.Helper()
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	_, err = h.agentW.Write(append(data, '\n'))
	require.NoError(t, err)
}

type fakeAttacher struct {
	channel sandbox.Channel
}

func (f *fakeAttacher) AttachSession(ctx context.Context, sessionID string) (sandbox.Channel, error) {
	return f.channel, nil
}

type fakeJournal struct {
	mu        sync.Mutex
	events    map[string][]journal.Event
	seq       map[string]int64
	failNext  int
	appendErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{events: make(map[string][]journal.Event), seq: make(map[string]int64), appendErr: errAppendFailed}
}

var errAppendFailed = io.ErrClosedPipe

func (f *fakeJournal) Append(ctx context.Context, sessionID string, eventType string, payload json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return 0, f.appendErr
	}
	f.seq[sessionID]++
	seq := f.seq[sessionID]
	f.events[sessionID] = append(f.events[sessionID], journal.Event{SessionID: sessionID, Seq: seq, Type: eventType, Payload: payload})
	return seq, nil
}

func (f *fakeJournal) RangeAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]journal.Event, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []journal.Event
	for _, e := range f.events[sessionID] {
		if e.Seq > afterSeq {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, f.seq[sessionID], nil
}

type fakeActivity struct {
	mu     sync.Mutex
	touches int
}

func (f *fakeActivity) Touch(sessionID string) {
	f.mu.Lock()
	f.touches++
	f.mu.Unlock()
}

func recvWithTimeout(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "client channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func newAttachedHub(t *testing.T) (*Hub, *harness) {
	t.Helper()
	hub, h, _ := newAttachedHubWithJournal(t)
	return hub, h
}

func newAttachedHubWithJournal(t *testing.T) (*Hub, *harness, *fakeJournal) {
	t.Helper()
	h := newHarness()
	j := newFakeJournal()
	hub := New("s1", &fakeAttacher{channel: h.channel}, j, &fakeActivity{}, testLog(t))
	require.NoError(t, hub.AttachSandbox(context.Background()))
	return hub, h, j
}

func TestRegisterClientSendsConnectedFrame(t *testing.T) {
	hub, _ := newAttachedHub(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)

	raw := recvWithTimeout(t, client.Send())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "connected", frame["type"])
}

func TestOrdinaryEventIsJournaledAndFannedOutWithSeq(t *testing.T) {
	hub, h := newAttachedHub(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)
	recvWithTimeout(t, client.Send()) // connected frame

	h.emit(t, map[string]string{"type": "agent_message", "message": "hi"})

	raw := recvWithTimeout(t, client.Send())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "agent_message", frame["type"])
	require.EqualValues(t, 1, frame["seq"])
	require.EqualValues(t, 1, hub.LastSeq())
}

func TestRpcResponseRoutesToOriginClientOnly(t *testing.T) {
	hub, h := newAttachedHub(t)
	c1 := NewClient("c1", testLog(t))
	c2 := NewClient("c2", testLog(t))
	hub.RegisterClient(context.Background(), c1, 0)
	hub.RegisterClient(context.Background(), c2, 0)
	recvWithTimeout(t, c1.Send())
	recvWithTimeout(t, c2.Send())

	// drain what the hub writes to the sandbox, to keep the pipe from
	// blocking; started before enqueue since Send blocks until read.
	go func() {
		buf := make([]byte, 4096)
		_, _ = h.toAgent.Read(buf)
	}()

	require.NoError(t, hub.EnqueueCommand(context.Background(), CommandRequest{
		Tag:      "tag-1",
		OriginID: "c1",
		Payload:  map[string]string{"type": "prompt", "command": "tag-1"},
	}))

	h.emit(t, map[string]interface{}{"type": "rpc_result", "command": "tag-1", "ok": true})

	raw := recvWithTimeout(t, c1.Send())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "rpc_result", frame["type"])

	select {
	case msg := <-c2.Send():
		t.Fatalf("client 2 should not have received the rpc response, got %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplayDeliversJournalBacklogThenLive(t *testing.T) {
	hub, h := newAttachedHub(t)

	before := NewClient("before", testLog(t))
	hub.RegisterClient(context.Background(), before, 0)
	recvWithTimeout(t, before.Send())

	h.emit(t, map[string]string{"type": "agent_message", "message": "one"})
	recvWithTimeout(t, before.Send())
	h.emit(t, map[string]string{"type": "agent_message", "message": "two"})
	recvWithTimeout(t, before.Send())

	late := NewClient("late", testLog(t))
	hub.RegisterClient(context.Background(), late, 0)

	recvWithTimeout(t, late.Send()) // connected
	start := recvWithTimeout(t, late.Send())
	var startFrame map[string]string
	require.NoError(t, json.Unmarshal(start, &startFrame))
	require.Equal(t, "replay_start", startFrame["type"])

	first := recvWithTimeout(t, late.Send())
	var firstFrame map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &firstFrame))
	require.Equal(t, "one", firstFrame["message"])
	require.EqualValues(t, 1, firstFrame["seq"])

	second := recvWithTimeout(t, late.Send())
	var secondFrame map[string]interface{}
	require.NoError(t, json.Unmarshal(second, &secondFrame))
	require.Equal(t, "two", secondFrame["message"])
	require.EqualValues(t, 2, secondFrame["seq"])

	end := recvWithTimeout(t, late.Send())
	var endFrame map[string]string
	require.NoError(t, json.Unmarshal(end, &endFrame))
	require.Equal(t, "replay_end", endFrame["type"])

	h.emit(t, map[string]string{"type": "agent_message", "message": "three"})
	live := recvWithTimeout(t, late.Send())
	var liveFrame map[string]interface{}
	require.NoError(t, json.Unmarshal(live, &liveFrame))
	require.Equal(t, "three", liveFrame["message"])
}

func TestUnregisterClientMarksLastClientGone(t *testing.T) {
	hub, _ := newAttachedHub(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)
	recvWithTimeout(t, client.Send())

	require.True(t, hub.LastClientGoneAt().IsZero())
	hub.UnregisterClient("c1")
	require.False(t, hub.LastClientGoneAt().IsZero())
	require.True(t, hub.IsAttached(), "detaching the last client must not close the sandbox channel")
}

func TestUnexpectedChannelCloseMarksSessionErrored(t *testing.T) {
	hub, h := newAttachedHub(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)
	recvWithTimeout(t, client.Send())

	require.NoError(t, h.agentW.Close())

	raw := recvWithTimeout(t, client.Send())
	var frame map[string]string
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "error", frame["type"])

	require.Eventually(t, func() bool {
		return hub.Status() == StatusError
	}, time.Second, 10*time.Millisecond)
	require.False(t, hub.IsAttached())
}

func TestJournalAppendRetriesOnceThenDetachesOnSecondFailure(t *testing.T) {
	hub, h, j := newAttachedHubWithJournal(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)
	recvWithTimeout(t, client.Send()) // connected frame

	j.mu.Lock()
	j.failNext = 2
	j.mu.Unlock()

	h.emit(t, map[string]string{"type": "agent_message", "message": "hi"})

	raw := recvWithTimeout(t, client.Send())
	var frame map[string]string
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "error", frame["type"])

	require.Eventually(t, func() bool {
		return hub.Status() == StatusError
	}, time.Second, 10*time.Millisecond)
	require.False(t, hub.IsAttached())
}

func TestJournalAppendSucceedsOnRetryAfterOneFailure(t *testing.T) {
	hub, h, j := newAttachedHubWithJournal(t)
	client := NewClient("c1", testLog(t))
	hub.RegisterClient(context.Background(), client, 0)
	recvWithTimeout(t, client.Send()) // connected frame

	j.mu.Lock()
	j.failNext = 1
	j.mu.Unlock()

	h.emit(t, map[string]string{"type": "agent_message", "message": "hi"})

	raw := recvWithTimeout(t, client.Send())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "agent_message", frame["type"])
	require.Equal(t, StatusActive, hub.Status())
	require.True(t, hub.IsAttached())
}

func TestBackpressureDisconnectsOnlyOverflowingClient(t *testing.T) {
	hub, h := newAttachedHub(t)
	slow := NewClient("slow", testLog(t))
	fast := NewClient("fast", testLog(t))
	hub.RegisterClient(context.Background(), slow, 0)
	hub.RegisterClient(context.Background(), fast, 0)
	recvWithTimeout(t, slow.Send())
	recvWithTimeout(t, fast.Send())

	// fill slow's queue past capacity without draining it
	for i := 0; i < clientSendBuffer+10; i++ {
		h.emit(t, map[string]string{"type": "agent_message", "message": "spam"})
		recvWithTimeout(t, fast.Send())
	}

	closed := false
	for i := 0; i < clientSendBuffer+20; i++ {
		select {
		case _, ok := <-slow.Send():
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining slow client after backpressure disconnect")
		}
		if closed {
			break
		}
	}
	require.True(t, closed, "overflowing client should have been disconnected")
}
