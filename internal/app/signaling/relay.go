// Package signaling relays offer/answer/candidate messages between the two
// parties of each connection of a broadcast and drives the per-connection
// state machine:
//
//	NEW -> NEGOTIATING -> CONNECTED -> {DISCONNECTED, FAILED}
//	DISCONNECTED -> NEGOTIATING (reconnect, bounded) | FAILED
//
// A Relay is not safe for concurrent use; the owning room serializes access.
package signaling

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

const (
	MsgOffer     = "offer"
	MsgAnswer    = "answer"
	MsgCandidate = "candidate"
	MsgBye       = "bye"
	MsgReconnect = "reconnect"
	// MsgNegotiate asks a peer to open (or renegotiate) its connection.
	MsgNegotiate = "negotiate"
)

const DefaultMaxAttempts = 3

// Observer receives connection lifecycle changes. Calls happen while the
// owner's lock is held and must not block.
type Observer interface {
	OnConnected(conn domain.SignalingConnection)
	// OnDisconnected fires when a connection dropped but may reconnect.
	OnDisconnected(conn domain.SignalingConnection)
	// OnFailed fires once the reconnect budget is spent.
	OnFailed(conn domain.SignalingConnection)
	OnClosed(conn domain.SignalingConnection)
}

// Validator rejects malformed transport payloads before they are relayed.
type Validator interface {
	Validate(kind string, payload []byte) error
}

type Options struct {
	MaxAttempts int
	Validator   Validator
	// RoleOf tells the role of a peer that opens a connection.
	RoleOf func(peer domain.UserID) domain.PeerRole
	Now    func() time.Time
}

type Relay struct {
	broadcast   domain.BroadcastID
	broadcaster domain.UserID
	msgr        core.Messenger
	obs         Observer
	opts        Options
	logger      zerolog.Logger

	conns map[domain.UserID]*domain.SignalingConnection
}

func New(b domain.BroadcastID, broadcaster domain.UserID, msgr core.Messenger, obs Observer, opts Options) *Relay {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RoleOf == nil {
		opts.RoleOf = func(p domain.UserID) domain.PeerRole {
			if p == broadcaster {
				return domain.RoleBroadcaster
			}
			return domain.RoleListener
		}
	}
	return &Relay{
		broadcast:   b,
		broadcaster: broadcaster,
		msgr:        msgr,
		obs:         obs,
		opts:        opts,
		logger:      log.With().Str("module", "app.signaling").Str("broadcast", string(b)).Logger(),
		conns:       make(map[domain.UserID]*domain.SignalingConnection),
	}
}

// route resolves which connection a message between from and to belongs to
// and who the remote party of that connection is.
func (r *Relay) route(from, to domain.UserID) (key, remote domain.UserID, err error) {
	switch {
	case from == "":
		return "", "", fmt.Errorf("route: %w", domain.ErrEmptyID)
	case to == domain.ServerPeer:
		return from, domain.ServerPeer, nil
	case from == domain.ServerPeer:
		if to == "" {
			return "", "", fmt.Errorf("route from server: %w", domain.ErrEmptyID)
		}
		return to, domain.ServerPeer, nil
	case from == r.broadcaster:
		if to == "" || to == r.broadcaster {
			return "", "", fmt.Errorf("route from broadcaster to %q: %w", to, domain.ErrInvalidState)
		}
		return to, r.broadcaster, nil
	case to == "" || to == r.broadcaster:
		return from, r.broadcaster, nil
	}
	return "", "", fmt.Errorf("route %s -> %s: peers may only talk to the broadcaster: %w", from, to, domain.ErrInvalidState)
}

// other returns the party that is not sender on conn.
func other(conn *domain.SignalingConnection, sender domain.UserID) domain.UserID {
	if sender == conn.Key.Peer {
		return conn.Remote
	}
	return conn.Key.Peer
}

func (r *Relay) validate(kind string, payload []byte) error {
	if r.opts.Validator == nil {
		return nil
	}
	if err := r.opts.Validator.Validate(kind, payload); err != nil {
		return fmt.Errorf("%s payload: %w", kind, err)
	}
	return nil
}

func (r *Relay) deliver(conn *domain.SignalingConnection, from, to domain.UserID, kind string, payload []byte) error {
	if r.msgr == nil {
		return nil
	}
	msg := core.SignalMessage{
		Type:      kind,
		Broadcast: r.broadcast,
		From:      from,
		To:        to,
		Payload:   payload,
	}
	if err := r.msgr.Deliver(r.broadcast, to, msg); err != nil {
		r.logger.Warn().Err(err).Str("peer", string(conn.Key.Peer)).Str("to", string(to)).Str("type", kind).Msg("deliver failed")
		return fmt.Errorf("deliver %s to %s: %w", kind, to, err)
	}
	return nil
}

func (r *Relay) setState(conn *domain.SignalingConnection, to domain.ConnState, reason string) {
	from := conn.State
	conn.State = to
	conn.Reason = reason
	conn.LastActivity = r.opts.Now()
	r.logger.Info().
		Str("peer", string(conn.Key.Peer)).
		Str("role", string(conn.Role)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("connection state changed")
}

// Offer stores and forwards an offer, creating or superseding the
// connection and moving it to NEGOTIATING.
func (r *Relay) Offer(from, to domain.UserID, payload []byte) (domain.SignalingConnection, error) {
	key, remote, err := r.route(from, to)
	if err != nil {
		return domain.SignalingConnection{}, err
	}
	if err := r.validate(MsgOffer, payload); err != nil {
		r.logger.Error().Err(err).Str("peer", string(key)).Msg("offer dropped")
		return domain.SignalingConnection{}, err
	}

	now := r.opts.Now()
	conn, ok := r.conns[key]
	if !ok || conn.State.Terminal() {
		conn = &domain.SignalingConnection{
			Key:       domain.ConnKey{Broadcast: r.broadcast, Peer: key},
			Role:      r.opts.RoleOf(key),
			Remote:    remote,
			State:     domain.ConnNew,
			CreatedAt: now,
		}
		r.conns[key] = conn
		r.logger.Info().Str("peer", string(key)).Str("role", string(conn.Role)).Str("remote", string(remote)).Msg("connection created")
	}
	switch conn.State {
	case domain.ConnConnected:
		r.logger.Info().Str("peer", string(key)).Msg("renegotiation supersedes connected path")
	case domain.ConnDisconnected:
		// The peer re-offered on its own; that is a reconnect attempt too.
		conn.Attempts++
	}
	conn.Remote = remote
	conn.Generation++
	conn.LastOffer = payload
	conn.LastAnswer = nil
	r.setState(conn, domain.ConnNegotiating, "")

	err = r.deliver(conn, from, other(conn, from), MsgOffer, payload)
	return *conn, err
}

// Answer is only accepted while NEGOTIATING.
func (r *Relay) Answer(from, to domain.UserID, payload []byte) (domain.SignalingConnection, error) {
	key, _, err := r.route(from, to)
	if err != nil {
		return domain.SignalingConnection{}, err
	}
	conn, ok := r.conns[key]
	if !ok {
		r.logger.Warn().Str("peer", string(key)).Msg("answer for unknown connection")
		return domain.SignalingConnection{}, fmt.Errorf("answer %s: %w", key, domain.ErrNotFound)
	}
	if conn.State != domain.ConnNegotiating {
		r.logger.Warn().Str("peer", string(key)).Str("state", string(conn.State)).Msg("answer outside negotiation dropped")
		return *conn, fmt.Errorf("answer %s in %s: %w", key, conn.State, domain.ErrInvalidState)
	}
	if err := r.validate(MsgAnswer, payload); err != nil {
		r.logger.Error().Err(err).Str("peer", string(key)).Msg("answer dropped")
		return *conn, err
	}
	conn.LastAnswer = payload
	conn.LastActivity = r.opts.Now()
	err = r.deliver(conn, from, other(conn, from), MsgAnswer, payload)
	return *conn, err
}

// Candidate forwards an ICE candidate while NEGOTIATING or CONNECTED and
// silently drops it otherwise, since candidates race state changes.
func (r *Relay) Candidate(from, to domain.UserID, payload []byte) error {
	key, _, err := r.route(from, to)
	if err != nil {
		return err
	}
	conn, ok := r.conns[key]
	if !ok || (conn.State != domain.ConnNegotiating && conn.State != domain.ConnConnected) {
		r.logger.Debug().Str("peer", string(key)).Msg("candidate dropped")
		return nil
	}
	if err := r.validate(MsgCandidate, payload); err != nil {
		r.logger.Error().Err(err).Str("peer", string(key)).Msg("candidate dropped")
		return err
	}
	conn.LastActivity = r.opts.Now()
	return r.deliver(conn, from, other(conn, from), MsgCandidate, payload)
}

// MarkConnected records that the transport confirmed a path.
func (r *Relay) MarkConnected(peer domain.UserID) (domain.SignalingConnection, error) {
	conn, ok := r.conns[peer]
	if !ok {
		return domain.SignalingConnection{}, fmt.Errorf("mark connected %s: %w", peer, domain.ErrNotFound)
	}
	switch conn.State {
	case domain.ConnConnected:
		return *conn, nil
	case domain.ConnNegotiating:
	default:
		r.logger.Warn().Str("peer", string(peer)).Str("state", string(conn.State)).Msg("connected outside negotiation")
		return *conn, fmt.Errorf("mark connected %s in %s: %w", peer, conn.State, domain.ErrInvalidState)
	}
	if conn.Attempts > 0 {
		r.logger.Info().Str("peer", string(peer)).Int("attempts", conn.Attempts).Msg("connection recovered")
		conn.Attempts = 0
	}
	r.setState(conn, domain.ConnConnected, "")
	if r.obs != nil {
		r.obs.OnConnected(*conn)
	}
	return *conn, nil
}

// Disconnect handles a transport-level drop. The connection becomes
// DISCONNECTED while reconnect attempts remain and FAILED otherwise.
func (r *Relay) Disconnect(peer domain.UserID, reason string) (domain.SignalingConnection, error) {
	conn, ok := r.conns[peer]
	if !ok {
		return domain.SignalingConnection{}, fmt.Errorf("disconnect %s: %w", peer, domain.ErrNotFound)
	}
	switch conn.State {
	case domain.ConnDisconnected:
		// already waiting on a reconnect
		return *conn, nil
	case domain.ConnFailed, domain.ConnClosed:
		return *conn, fmt.Errorf("disconnect %s in %s: %w", peer, conn.State, domain.ErrInvalidState)
	}

	if conn.State != domain.ConnNegotiating || conn.Attempts == 0 {
		conn.Drops++
	}
	conn.Generation++
	if conn.Attempts < r.opts.MaxAttempts {
		r.setState(conn, domain.ConnDisconnected, reason)
		if r.obs != nil {
			r.obs.OnDisconnected(*conn)
		}
		return *conn, nil
	}
	r.setState(conn, domain.ConnFailed, reason)
	delete(r.conns, peer)
	if r.obs != nil {
		r.obs.OnFailed(*conn)
	}
	return *conn, nil
}

// BeginReconnect moves a DISCONNECTED connection back to NEGOTIATING for the
// next attempt. gen must match the generation seen when the drop happened.
func (r *Relay) BeginReconnect(peer domain.UserID, gen uint64) (domain.SignalingConnection, error) {
	conn, ok := r.conns[peer]
	if !ok {
		return domain.SignalingConnection{}, fmt.Errorf("reconnect %s: %w", peer, domain.ErrNotFound)
	}
	if conn.State != domain.ConnDisconnected || conn.Generation != gen {
		return *conn, fmt.Errorf("reconnect %s in %s: %w", peer, conn.State, domain.ErrInvalidState)
	}
	if conn.Attempts >= r.opts.MaxAttempts {
		return *conn, fmt.Errorf("reconnect %s: %w", peer, domain.ErrReconnectExhausted)
	}
	conn.Attempts++
	conn.Generation++
	r.setState(conn, domain.ConnNegotiating, fmt.Sprintf("reconnect attempt %d", conn.Attempts))
	return *conn, nil
}

// Leave closes a connection on explicit request and forgets it.
func (r *Relay) Leave(peer domain.UserID, reason string) (domain.SignalingConnection, bool) {
	conn, ok := r.conns[peer]
	if !ok {
		return domain.SignalingConnection{}, false
	}
	r.close(conn, reason)
	return *conn, true
}

func (r *Relay) close(conn *domain.SignalingConnection, reason string) {
	wasOpen := !conn.State.Terminal()
	conn.Generation++
	r.setState(conn, domain.ConnClosed, reason)
	delete(r.conns, conn.Key.Peer)
	if wasOpen {
		_ = r.deliver(conn, conn.Key.Peer, conn.Remote, MsgBye, nil)
		_ = r.deliver(conn, conn.Remote, conn.Key.Peer, MsgBye, nil)
	}
	if r.obs != nil {
		r.obs.OnClosed(*conn)
	}
}

// CloseAll tears down every connection; used by session teardown.
func (r *Relay) CloseAll(reason string) {
	for _, peer := range slices.Sorted(maps.Keys(r.conns)) {
		r.close(r.conns[peer], reason)
	}
}

// RecordMetrics stores a quality sample on a connected connection.
func (r *Relay) RecordMetrics(peer domain.UserID, m domain.Metrics) bool {
	conn, ok := r.conns[peer]
	if !ok || conn.State != domain.ConnConnected {
		return false
	}
	conn.Metrics = m
	return true
}

// SetRole updates the role of an existing connection, e.g. when a listener's
// call gets accepted.
func (r *Relay) SetRole(peer domain.UserID, role domain.PeerRole) {
	if conn, ok := r.conns[peer]; ok {
		conn.Role = role
	}
}

// Invite asks peer to start negotiating as role, e.g. an admitted caller who
// must publish its microphone. An existing connection takes the new role at
// once; otherwise the role applies when the peer's offer arrives.
func (r *Relay) Invite(peer domain.UserID, role domain.PeerRole) error {
	conn, ok := r.conns[peer]
	if !ok {
		conn = &domain.SignalingConnection{
			Key:    domain.ConnKey{Broadcast: r.broadcast, Peer: peer},
			Role:   role,
			Remote: r.broadcaster,
			State:  domain.ConnNew,
		}
	}
	conn.Role = role
	r.logger.Info().Str("peer", string(peer)).Str("role", string(role)).Msg("negotiation requested")
	return r.deliver(conn, conn.Remote, peer, MsgNegotiate, nil)
}

func (r *Relay) Get(peer domain.UserID) (domain.SignalingConnection, bool) {
	conn, ok := r.conns[peer]
	if !ok {
		return domain.SignalingConnection{}, false
	}
	return *conn, true
}

// Connected lists the connections eligible for quality sampling.
func (r *Relay) Connected() []domain.SignalingConnection {
	var out []domain.SignalingConnection
	for _, conn := range r.conns {
		if conn.State == domain.ConnConnected {
			out = append(out, *conn)
		}
	}
	return out
}

func (r *Relay) All() []domain.SignalingConnection {
	out := make([]domain.SignalingConnection, 0, len(r.conns))
	for _, peer := range slices.Sorted(maps.Keys(r.conns)) {
		out = append(out, *r.conns[peer])
	}
	return out
}

func (r *Relay) Len() int { return len(r.conns) }

func (r *Relay) MaxAttempts() int { return r.opts.MaxAttempts }
