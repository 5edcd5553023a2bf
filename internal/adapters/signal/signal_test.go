package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
)

type recConn struct {
	mu     sync.Mutex
	frames []map[string]any
	full   bool
	closed bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressure
	}
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *recConn) ofType(kind string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == kind {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	ctl     *SignalWSController
	hub     *Hub
	clients *app.Orchestrator
	bus     *events.Bus
	conns   map[core.SessionID]*recConn
	cancels map[core.SessionID]*atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := app.NewRegistry()
	hub := NewHub(reg)
	bus := events.NewBus(64)
	m := app.NewManager(app.Deps{
		Events:    bus,
		Mixer:     core.NopMixer{},
		Messenger: hub,
	}, app.Options{MaxAttempts: 3})
	t.Cleanup(func() { m.Shutdown(domain.ReasonShutdown) })

	clients := &app.Orchestrator{Registry: reg, Sessions: m, Policy: app.SimplePolicy{}}
	hub.Attach(nil, clients)
	return &harness{
		ctl:     NewSignalWSController(clients, nil, Options{}),
		hub:     hub,
		clients: clients,
		bus:     bus,
		conns:   make(map[core.SessionID]*recConn),
		cancels: make(map[core.SessionID]*atomic.Bool),
	}
}

func (h *harness) connect(sid core.SessionID) *recConn {
	c := &recConn{}
	canceled := &atomic.Bool{}
	h.cancels[sid] = canceled
	h.clients.Registry.BindSignal(sid, c, func() { canceled.Store(true) })
	h.conns[sid] = c
	return c
}

func (h *harness) send(sid core.SessionID, v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c := h.conns[sid]
	h.ctl.handleSignal(sid, c, data)
	return c.last()
}

// live starts b1 with host as broadcaster and l1 as listener.
func (h *harness) live(t *testing.T) (*recConn, *recConn) {
	t.Helper()
	hc, lc := h.connect("host"), h.connect("l1")
	r := h.send("host", map[string]any{"type": "start", "broadcast": "b1", "name": "Host"})
	require.Equal(t, "session", r["type"], r)
	r = h.send("l1", map[string]any{"type": "join", "broadcast": "b1"})
	require.Equal(t, "session_state", r["type"], r)
	return hc, lc
}

func TestStartJoinAndWhoAmI(t *testing.T) {
	h := newHarness(t)
	h.live(t)

	r := h.send("l1", map[string]any{"type": "whoami"})
	assert.Equal(t, "b1", r["broadcast"])

	info, err := h.clients.Sessions.GetSession("b1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Listeners)
	assert.Equal(t, domain.UserID("host"), info.Broadcaster)

	r = h.send("l1", map[string]any{"type": "leave"})
	assert.Equal(t, "left", r["type"])
	r = h.send("l1", map[string]any{"type": "whoami"})
	assert.Empty(t, r["broadcast"])
}

func TestStartTakenBroadcast(t *testing.T) {
	h := newHarness(t)
	h.live(t)
	h.connect("other")

	r := h.send("other", map[string]any{"type": "start", "broadcast": "b1"})
	assert.Equal(t, "error", r["type"])
	assert.Equal(t, "already_live", r["error"])
	assert.Equal(t, "start", r["request"])
}

func TestCallFlow(t *testing.T) {
	h := newHarness(t)
	hc, lc := h.live(t)

	r := h.send("l1", map[string]any{"type": "request_call", "name": "Ann", "location": "Oslo"})
	require.Equal(t, "call", r["type"], r)
	call := r["call"].(map[string]any)
	assert.Equal(t, string(domain.CallPending), call["state"])
	id := call["id"].(string)

	r = h.send("l1", map[string]any{"type": "request_call"})
	assert.Equal(t, "duplicate_request", r["error"])
	assert.Equal(t, id, r["existing_call_id"])

	r = h.send("l1", map[string]any{"type": "accept_call", "call_id": id})
	assert.Equal(t, "forbidden", r["error"])

	r = h.send("host", map[string]any{"type": "calls"})
	require.Equal(t, "calls", r["type"])
	assert.Len(t, r["pending_queue"], 1)

	r = h.send("host", map[string]any{"type": "accept_call", "call_id": id})
	require.Equal(t, "call", r["type"], r)
	assert.Equal(t, string(domain.CallAccepted), r["call"].(map[string]any)["state"])
	assert.NotEmpty(t, lc.ofType("negotiate"), "caller is asked to open its uplink")

	r = h.send("l1", map[string]any{"type": "hangup"})
	require.Equal(t, "call", r["type"], r)
	assert.Equal(t, string(domain.CallEnded), r["call"].(map[string]any)["state"])

	r = h.send("host", map[string]any{"type": "reject_call"})
	assert.Equal(t, "malformed_payload", r["error"])
	assert.Empty(t, hc.ofType("negotiate"))
}

func TestRelayRoutesThroughHub(t *testing.T) {
	h := newHarness(t)
	hc, lc := h.live(t)

	r := h.send("l1", map[string]any{"type": "offer", "payload": map[string]any{"sdp": "o1"}})
	assert.NotEqual(t, "error", r["type"], r)
	offers := hc.ofType("offer")
	require.Len(t, offers, 1)
	assert.Equal(t, "l1", offers[0]["from"])

	h.send("host", map[string]any{"type": "answer", "to": "l1", "payload": map[string]any{"sdp": "a1"}})
	require.Len(t, lc.ofType("answer"), 1)

	h.send("host", map[string]any{"type": "connected", "peer": "l1"})
	conn, ok := h.clients.Sessions.Connection(domain.ConnKey{Broadcast: "b1", Peer: "l1"})
	require.True(t, ok)
	assert.Equal(t, domain.ConnConnected, conn.State)

	r = h.send("l1", map[string]any{"type": "candidate", "to": "l2", "payload": map[string]any{"candidate": ""}})
	assert.Equal(t, "invalid_state", r["error"])
}

func TestRequestsOutsideBroadcast(t *testing.T) {
	h := newHarness(t)
	h.connect("u1")

	r := h.send("u1", map[string]any{"type": "offer", "payload": map[string]any{"sdp": "x"}})
	assert.Equal(t, "not_joined", r["error"])

	r = h.send("u1", map[string]any{"type": "nope"})
	assert.Equal(t, "unknown_type", r["error"])

	h.ctl.handleSignal("u1", h.conns["u1"], []byte("{"))
	assert.Equal(t, "bad_payload", h.conns["u1"].last()["error"])

	r = h.send("u1", map[string]any{"type": "join"})
	assert.Equal(t, "malformed_payload", r["error"])

	r = h.send("u1", map[string]any{"type": "ping"})
	assert.Equal(t, "pong", r["type"])
}

func TestSourceHandlers(t *testing.T) {
	h := newHarness(t)
	h.live(t)

	r := h.send("l1", map[string]any{"type": "add_source", "source": map[string]any{"type": "music", "name": "Bed"}})
	assert.Equal(t, "forbidden", r["error"])

	r = h.send("host", map[string]any{"type": "add_source", "source": map[string]any{"type": "music", "name": "Bed"}})
	require.Equal(t, "source_added", r["type"], r)
	id := r["source_id"].(string)

	r = h.send("host", map[string]any{"type": "update_source", "source_id": id, "update": map[string]any{"volume": 2}})
	assert.Equal(t, "invalid_argument", r["error"])

	r = h.send("host", map[string]any{"type": "set_source_active", "source_id": id})
	assert.Equal(t, "malformed_payload", r["error"])

	r = h.send("host", map[string]any{"type": "set_source_active", "source_id": id, "active": true})
	require.Equal(t, "sources", r["type"], r)
	var names []string
	for _, s := range r["sources"].([]any) {
		names = append(names, s.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "Bed")

	r = h.send("host", map[string]any{"type": "remove_source", "source_id": id})
	assert.Equal(t, "source_removed", r["type"])
	r = h.send("host", map[string]any{"type": "update_source", "source_id": id, "update": map[string]any{"mute": true}})
	assert.Equal(t, "not_found", r["error"])
}

func TestHubBackpressureKicksListener(t *testing.T) {
	h := newHarness(t)
	_, lc := h.live(t)

	lc.mu.Lock()
	lc.full = true
	lc.mu.Unlock()

	err := h.hub.Deliver("b1", "l1", core.SignalMessage{Type: "offer"})
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Eventually(t, func() bool { return h.cancels["l1"].Load() }, time.Second, 5*time.Millisecond)
}

func TestHubRedial(t *testing.T) {
	h := newHarness(t)
	_, lc := h.live(t)

	require.NoError(t, h.hub.Redial(context.Background(), domain.ConnKey{Broadcast: "b1", Peer: "l1"}, 2))
	r := lc.last()
	assert.Equal(t, "reconnect", r["type"])
	assert.EqualValues(t, 2, r["attempt"])

	err := h.hub.Redial(context.Background(), domain.ConnKey{Broadcast: "b1", Peer: "gone"}, 1)
	assert.ErrorIs(t, err, ErrPeerOffline)

	err = h.hub.Deliver("b1", domain.ServerPeer, core.SignalMessage{Type: "offer"})
	assert.ErrorIs(t, err, ErrPeerOffline, "no media endpoint attached")
}

func TestHubForwardsEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	ch, unsubscribe := h.bus.Subscribe(nil)
	defer unsubscribe()
	go func() {
		_ = h.hub.pump(ctx, ch)
		close(done)
	}()

	hc, lc := h.live(t)
	h.connect("l2")
	h.send("l2", map[string]any{"type": "join", "broadcast": "b1"})

	assert.Eventually(t, func() bool {
		return len(lc.ofType(string(events.ListenerCountChanged))) > 0 &&
			len(hc.ofType(string(events.ListenerCountChanged))) > 0
	}, time.Second, 5*time.Millisecond)

	h.send("l1", map[string]any{"type": "request_call", "name": "Ann"})
	assert.Eventually(t, func() bool {
		return len(hc.ofType(string(events.CallIncoming))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, lc.ofType(string(events.CallIncoming)))

	h.send("host", map[string]any{"type": "leave"})
	assert.NotEmpty(t, lc.ofType("session-ended"))
	assert.Eventually(t, func() bool {
		_, in := h.clients.Registry.BroadcastOf("l2")
		return !in
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per client")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	rl.Allow("a")
	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "duplicate_request", ErrorCode(&domain.DuplicateCallError{ExistingCallID: "c1"}))
	assert.Equal(t, "not_found", ErrorCode(domain.ErrNotFound))
	assert.Equal(t, "internal", ErrorCode(assert.AnError))
}
