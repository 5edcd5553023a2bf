package app

import "github.com/dkeye/onair/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a peer whose socket cannot keep up.
type Policy interface {
	OnBackPressure(b domain.BroadcastID, peer domain.UserID, role domain.PeerRole) BackpressureAction
}

// SimplePolicy kicks slow listeners and callers but never the broadcaster.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.BroadcastID, _ domain.UserID, role domain.PeerRole) BackpressureAction {
	if role == domain.RoleBroadcaster {
		return DropFrame
	}
	return KickMember
}
