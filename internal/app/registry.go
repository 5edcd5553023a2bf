package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

type peerEntry struct {
	Broadcast domain.BroadcastID
	Session   core.PeerSession
	Cancel    context.CancelFunc
}

// Registry maps client tokens to their user, signaling socket and the
// broadcast they are in.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*peerEntry
	users    map[core.SessionID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*peerEntry),
		users:    make(map[core.SessionID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return *u
	}
	u := &domain.User{ID: domain.UserID(sid), Username: "guest"}
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return *u
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		return domain.ErrNotFound
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	if e, ok := r.sessions[sid]; ok {
		e.Session = e.Session.UpdateUser(*u)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", name).Msg("updated username")
	return nil
}

// BindSignal attaches a fresh socket to sid. A previous socket of the same
// client is returned so the caller can close it.
func (r *Registry) BindSignal(sid core.SessionID, sc core.SignalConnection, cancel context.CancelFunc) (prev core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		u = &domain.User{ID: domain.UserID(sid), Username: "guest"}
		r.users[sid] = u
	}
	if e, ok := r.sessions[sid]; ok {
		prev = e.Session.Signal()
		if e.Cancel != nil {
			e.Cancel()
		}
		e.Session = e.Session.UpdateSignal(sc)
		e.Cancel = cancel
	} else {
		r.sessions[sid] = &peerEntry{Session: core.NewPeerSession(*u, sc), Cancel: cancel}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	return prev
}

// Unbind forgets sid if it is still bound to sc. A socket replaced by a
// newer one must not unbind its successor.
func (r *Registry) Unbind(sid core.SessionID, sc core.SignalConnection) (domain.BroadcastID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Session.Signal() != sc {
		return "", false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Broadcast, true
}

func (r *Registry) GetSession(sid core.SessionID) (core.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Signal returns the socket of a peer; peers are identified by their token.
func (r *Registry) Signal(peer domain.UserID) (core.SignalConnection, bool) {
	s, ok := r.GetSession(core.SessionID(peer))
	if !ok {
		return nil, false
	}
	return s.Signal(), true
}

func (r *Registry) BroadcastOf(sid core.SessionID) (domain.BroadcastID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Broadcast == "" {
		return "", false
	}
	return e.Broadcast, true
}

func (r *Registry) SetBroadcast(sid core.SessionID, b domain.BroadcastID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Broadcast = b
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("broadcast", string(b)).Msg("updated broadcast")
	return true
}

// PeersOf lists the bound clients currently in broadcast b.
func (r *Registry) PeersOf(b domain.BroadcastID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0)
	for sid, e := range r.sessions {
		if e.Broadcast == b {
			out = append(out, sid)
		}
	}
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
