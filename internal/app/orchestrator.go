package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

// Orchestrator ties client sessions of the registry to broadcasts of the
// session manager.
type Orchestrator struct {
	Registry *Registry
	Sessions *Manager
	Policy   Policy
}

func (o *Orchestrator) isBroadcaster(b domain.BroadcastID, peer domain.UserID) bool {
	s, err := o.Sessions.Session(b)
	return err == nil && s.Broadcaster.ID == peer
}

// Start opens broadcast b for the client sid, or resumes it when the same
// broadcaster comes back within the grace window.
func (o *Orchestrator) Start(sid core.SessionID, b domain.BroadcastID) (domain.BroadcastSession, error) {
	if cur, ok := o.Registry.BroadcastOf(sid); ok && cur != b {
		o.Leave(sid)
	}
	user := o.Registry.GetOrCreateUser(sid)
	if o.isBroadcaster(b, user.ID) {
		if err := o.Sessions.BroadcasterBack(b); err != nil {
			return domain.BroadcastSession{}, err
		}
		o.Registry.SetBroadcast(sid, b)
		return o.Sessions.Session(b)
	}
	s, err := o.Sessions.CreateSession(b, user)
	if err != nil {
		return s, err
	}
	o.Registry.SetBroadcast(sid, b)
	return s, nil
}

// Join attaches sid as a listener of b, leaving any other broadcast first.
func (o *Orchestrator) Join(sid core.SessionID, b domain.BroadcastID) (domain.SessionInfo, error) {
	if cur, ok := o.Registry.BroadcastOf(sid); ok {
		if cur == b {
			return o.Sessions.GetSession(b)
		}
		o.Leave(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from", string(cur)).Str("to", string(b)).Msg("moved to another broadcast")
	}
	info, err := o.Sessions.AttachListener(b, domain.UserID(sid))
	if err != nil {
		return info, err
	}
	o.Registry.SetBroadcast(sid, b)
	return info, nil
}

// Leave takes sid out of its broadcast. A broadcaster leaving ends it.
func (o *Orchestrator) Leave(sid core.SessionID) {
	b, ok := o.Registry.BroadcastOf(sid)
	if !ok {
		return
	}
	peer := domain.UserID(sid)
	if o.isBroadcaster(b, peer) {
		_ = o.Sessions.EndSession(b, domain.ReasonBroadcastEnded)
	} else if err := o.Sessions.DetachListener(b, peer); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn().Str("module", "app.orch").Err(err).Str("sid", string(sid)).Msg("detach failed")
	}
	o.Registry.SetBroadcast(sid, "")
}

// OnDisconnect runs when the socket sc of sid closed. A broadcaster gets the
// grace window and keeps its media path. Anyone else has its connection
// treated as dropped so the reconnect budget applies, or is detached when it
// has none.
func (o *Orchestrator) OnDisconnect(sid core.SessionID, sc core.SignalConnection) {
	b, ok := o.Registry.Unbind(sid, sc)
	if !ok || b == "" {
		return
	}
	peer := domain.UserID(sid)

	if o.isBroadcaster(b, peer) {
		if err := o.Sessions.BroadcasterGone(b); err != nil {
			log.Warn().Str("module", "app.orch").Err(err).Str("broadcast", string(b)).Msg("grace window not started")
		}
		return
	}
	key := domain.ConnKey{Broadcast: b, Peer: peer}
	if conn, ok := o.Sessions.Connection(key); ok && !conn.State.Terminal() {
		if _, err := o.Sessions.Disconnect(key, "signaling closed"); err == nil {
			return
		}
	}
	_ = o.Sessions.DetachListener(b, peer)
}

// OnBackpressure applies the policy to a peer whose socket is full.
func (o *Orchestrator) OnBackpressure(b domain.BroadcastID, peer domain.UserID) BackpressureAction {
	if o.Policy == nil {
		return NoAction
	}
	role := domain.RoleListener
	if conn, ok := o.Sessions.Connection(domain.ConnKey{Broadcast: b, Peer: peer}); ok {
		role = conn.Role
	} else if o.isBroadcaster(b, peer) {
		role = domain.RoleBroadcaster
	}
	action := o.Policy.OnBackPressure(b, peer, role)
	if action == KickMember {
		log.Warn().Str("module", "app.orch").Str("broadcast", string(b)).Str("peer", string(peer)).Msg("kicking slow peer")
		o.Registry.Cancel(core.SessionID(peer))
	}
	return action
}

// Evict ends broadcast b and takes every client out of it.
func (o *Orchestrator) Evict(b domain.BroadcastID, reason string) error {
	if err := o.Sessions.EndSession(b, reason); err != nil {
		return fmt.Errorf("evict %s: %w", b, err)
	}
	for _, sid := range o.Registry.PeersOf(b) {
		o.Registry.SetBroadcast(sid, "")
	}
	return nil
}
