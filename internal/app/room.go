package app

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app/bridge"
	"github.com/dkeye/onair/internal/app/callqueue"
	"github.com/dkeye/onair/internal/app/signaling"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
)

const (
	// MsgCallState tells a caller what happened to its request.
	MsgCallState = "call-state"
	// MsgSessionEnded tells every attached peer the broadcast is over.
	MsgSessionEnded = "session-ended"
)

// Room is the per-broadcast aggregate. Every field below mu is guarded by
// it; bridge, queue and relay are only touched with mu held.
type Room struct {
	id          domain.BroadcastID
	broadcaster domain.UserID
	m           *Manager
	logger      zerolog.Logger
	closed      atomic.Bool

	mu        sync.Mutex
	session   domain.BroadcastSession
	bridge    *bridge.Bridge
	queue     *callqueue.Queue
	relay     *signaling.Relay
	listeners map[domain.UserID]struct{}
	grace     *time.Timer
	lastMix   []domain.SourceID
}

func newRoom(m *Manager, id domain.BroadcastID, broadcaster domain.User) *Room {
	r := &Room{
		id:          id,
		broadcaster: broadcaster.ID,
		m:           m,
		logger:      log.With().Str("module", "app.session").Str("broadcast", string(id)).Logger(),
		session: domain.BroadcastSession{
			ID:          id,
			Broadcaster: broadcaster,
			State:       domain.SessionCreated,
			CreatedAt:   m.opts.Now(),
		},
		listeners: make(map[domain.UserID]struct{}),
	}
	r.bridge = bridge.New(id, m.mixer, bridge.Options{Ramp: m.opts.Ramp, Now: m.opts.Now})
	r.queue = callqueue.New(id, r, events.PublisherFunc(r.publish), callqueue.Options{
		Timeout: m.opts.CallTimeout,
		Limiter: callqueue.NewRateLimiter(m.opts.RateLimit, m.opts.RateWindow),
		Now:     m.opts.Now,
	})
	r.relay = signaling.New(id, broadcaster.ID, m.msgr, r, signaling.Options{
		MaxAttempts: m.opts.MaxAttempts,
		Validator:   m.validator,
		RoleOf:      r.roleOf,
		Now:         m.opts.Now,
	})
	return r
}

// publish emits an event unless the session already ended. Callers hold mu.
func (r *Room) publish(e events.Event) {
	if r.closed.Load() {
		return
	}
	if e.At.IsZero() {
		e.At = r.m.opts.Now()
	}
	r.m.pub.Publish(e)
}

func (r *Room) emit(t events.Type, payload any) {
	r.publish(events.Event{Type: t, Broadcast: r.id, Payload: payload})
}

// mixChanged publishes the active source list when its membership or order
// moved since the last time.
func (r *Room) mixChanged() {
	active := r.bridge.Active()
	ids := make([]domain.SourceID, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	if slices.Equal(ids, r.lastMix) {
		return
	}
	r.lastMix = ids
	r.emit(events.SourcesChanged, events.SourcesPayload{Active: active})
}

func (r *Room) notify(to domain.UserID, kind string, payload any, reason string) {
	if r.m.msgr == nil {
		return
	}
	msg := core.SignalMessage{Type: kind, Broadcast: r.id, To: to, Reason: reason}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			r.logger.Error().Err(err).Str("type", kind).Msg("encode notification")
			return
		}
		msg.Payload = raw
	}
	if err := r.m.msgr.Deliver(r.id, to, msg); err != nil {
		r.logger.Debug().Err(err).Str("peer", string(to)).Str("type", kind).Msg("notification not delivered")
	}
}

func (r *Room) notifyCall(call domain.CallRequest) {
	r.notify(call.CallerID, MsgCallState, call, call.Reason)
	if call.State.Terminal() {
		r.m.metrics.CallSettled(call.State)
	}
}

func (r *Room) roleOf(peer domain.UserID) domain.PeerRole {
	if peer == r.broadcaster {
		return domain.RoleBroadcaster
	}
	if _, ok := r.queue.ActiveFor(peer); ok {
		return domain.RoleCaller
	}
	for _, src := range r.bridge.Sources() {
		if src.Owner == peer && src.Type == domain.SourceGuest {
			return domain.RoleGuest
		}
	}
	return domain.RoleListener
}

func (r *Room) info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:            r.session.ID,
		Broadcaster:   r.session.Broadcaster.ID,
		State:         r.session.State,
		CreatedAt:     r.session.CreatedAt,
		Listeners:     r.session.Listeners,
		PeakListeners: r.session.PeakListeners,
		Sources:       r.bridge.Stats().Total,
		PendingCalls:  r.queue.PendingCount(),
		ActiveCalls:   r.queue.ActiveCount(),
	}
}

func (r *Room) setListeners() {
	r.session.SetListeners(len(r.listeners))
	r.m.metrics.SetListeners(r.id, r.session.Listeners)
	r.emit(events.ListenerCountChanged, events.ListenerCountPayload{
		Count: r.session.Listeners,
		Peak:  r.session.PeakListeners,
	})
}

func (r *Room) attach(peer domain.UserID) {
	if _, ok := r.listeners[peer]; ok {
		return
	}
	r.listeners[peer] = struct{}{}
	r.logger.Info().Str("peer", string(peer)).Msg("listener attached")
	r.setListeners()
}

// detach removes a listener along with its connection and any open call.
func (r *Room) detach(peer domain.UserID, reason string) {
	r.unseat(peer, reason)
	r.relay.Leave(peer, reason)
	if _, ok := r.listeners[peer]; !ok {
		return
	}
	delete(r.listeners, peer)
	r.logger.Info().Str("peer", string(peer)).Str("reason", reason).Msg("listener detached")
	r.setListeners()
}

// unseat settles the peer's open call and takes its sources off the air.
// It is a no-op for a peer with neither.
func (r *Room) unseat(peer domain.UserID, reason string) {
	if call, ok := r.queue.OpenFor(peer); ok {
		var err error
		if call.State == domain.CallPending {
			call, err = r.queue.Reject(call.ID, reason)
		} else {
			call, err = r.queue.End(call.ID, reason)
		}
		if err == nil {
			r.notifyCall(call)
		}
	}
	if removed := r.bridge.RemoveOwned(peer); len(removed) > 0 {
		r.mixChanged()
	}
}

// end tears the session down. No event for this broadcast is published
// after it returns.
func (r *Room) end(reason string) {
	if r.closed.Load() {
		return
	}
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	r.queue.Clear(domain.ReasonBroadcastEnded)
	r.bridge.Clear()
	r.relay.CloseAll(domain.ReasonBroadcastEnded)

	for peer := range r.listeners {
		r.notify(peer, MsgSessionEnded, nil, reason)
	}
	if r.broadcaster != "" {
		r.notify(r.broadcaster, MsgSessionEnded, nil, reason)
	}
	r.listeners = make(map[domain.UserID]struct{})

	r.session.State = domain.SessionEnded
	r.session.EndedAt = r.m.opts.Now()
	r.session.EndReason = reason
	r.session.Listeners = 0

	r.emit(events.SessionEnded, events.SessionPayload{Broadcaster: r.broadcaster, Reason: reason})
	r.closed.Store(true)

	r.m.metrics.SessionEnded()
	r.m.metrics.ForgetBroadcast(r.id)
	r.logger.Info().Str("reason", reason).Int("peak_listeners", r.session.PeakListeners).Msg("session ended")
}

// Grant implements callqueue.Admitter: the caller becomes a bridge source
// and is asked to negotiate its uplink.
func (r *Room) Grant(call domain.CallRequest) (domain.SourceID, error) {
	prio := domain.PriorityCaller
	id, err := r.bridge.Add(domain.SourceSpec{
		ID:       domain.SourceID("caller:" + string(call.CallerID)),
		Type:     domain.SourceCaller,
		Name:     call.CallerName,
		Priority: &prio,
		Owner:    call.CallerID,
	})
	if err != nil {
		return "", err
	}
	if err := r.relay.Invite(call.CallerID, domain.RoleCaller); err != nil {
		r.logger.Warn().Err(err).Str("call", string(call.ID)).Msg("caller not reachable for negotiation")
	}
	r.mixChanged()
	return id, nil
}

// Revoke implements callqueue.Admitter.
func (r *Room) Revoke(call domain.CallRequest) {
	r.bridge.RemoveOwned(call.CallerID)
	r.relay.Leave(call.CallerID, call.Reason)
	r.mixChanged()
}

func (r *Room) OnConnected(conn domain.SignalingConnection) {
	switch conn.Role {
	case domain.RoleCaller, domain.RoleGuest:
		r.bridge.SetActiveOwned(conn.Key.Peer, true)
		r.mixChanged()
	case domain.RoleBroadcaster:
		if r.session.State == domain.SessionCreated {
			r.session.State = domain.SessionLive
			r.logger.Info().Msg("session live")
		}
	}
}

func (r *Room) OnDisconnected(conn domain.SignalingConnection) {
	if conn.Role == domain.RoleCaller || conn.Role == domain.RoleGuest {
		r.bridge.SetActiveOwned(conn.Key.Peer, false)
		r.mixChanged()
	}
	if rc := r.m.reconnector(); rc != nil {
		rc.AttemptReconnect(conn)
	}
}

// OnFailed handles an exhausted reconnect budget: the broadcaster's ends the
// session, anyone else is removed from it.
func (r *Room) OnFailed(conn domain.SignalingConnection) {
	r.logger.Warn().Str("peer", string(conn.Key.Peer)).Str("role", string(conn.Role)).Int("attempts", conn.Attempts).Msg("reconnect exhausted")
	r.m.metrics.ReconnectExhausted(conn.Role)
	r.m.metrics.ForgetConnection(conn.Key)
	r.emit(events.ReconnectExhausted, events.ReconnectExhaustedPayload{
		Peer:     conn.Key.Peer,
		Role:     conn.Role,
		Attempts: conn.Attempts,
	})
	if conn.Role == domain.RoleBroadcaster {
		r.end(domain.ReasonConnectionLost)
		return
	}
	r.detach(conn.Key.Peer, domain.ReasonConnectionLost)
}

func (r *Room) OnClosed(conn domain.SignalingConnection) {
	r.m.metrics.ForgetConnection(conn.Key)
}
