package core

import "github.com/dkeye/onair/internal/domain"

// SessionID identifies one client across reconnects (the client token).
type SessionID string

// PeerSession binds a user to its signaling endpoint.
type PeerSession interface {
	User() domain.User
	Signal() SignalConnection
	UpdateSignal(SignalConnection) PeerSession
	UpdateUser(domain.User) PeerSession
}

type peerSession struct {
	user   domain.User
	signal SignalConnection
}

func NewPeerSession(user domain.User, signal SignalConnection) PeerSession {
	return &peerSession{user: user, signal: signal}
}

func (p *peerSession) User() domain.User        { return p.user }
func (p *peerSession) Signal() SignalConnection { return p.signal }

// UpdateSignal returns a copy bound to sc; the receiver is left untouched.
func (p *peerSession) UpdateSignal(sc SignalConnection) PeerSession {
	return &peerSession{user: p.user, signal: sc}
}

func (p *peerSession) UpdateUser(u domain.User) PeerSession {
	return &peerSession{user: u, signal: p.signal}
}
