package domain

import "time"

type BroadcastID string

type SessionState string

const (
	SessionCreated SessionState = "CREATED"
	SessionLive    SessionState = "LIVE"
	SessionEnded   SessionState = "ENDED"
)

// BroadcastSession is one live program from start to end.
type BroadcastSession struct {
	ID            BroadcastID  `json:"id"`
	Broadcaster   User         `json:"broadcaster"`
	State         SessionState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	EndedAt       time.Time    `json:"ended_at,omitzero"`
	Listeners     int          `json:"listeners"`
	PeakListeners int          `json:"peak_listeners"`
	HostSourceID  SourceID     `json:"host_source_id,omitempty"`
	EndReason     string       `json:"end_reason,omitempty"`
}

func (s *BroadcastSession) IsLive() bool { return s.State == SessionLive }

// SetListeners updates the current count and raises the peak if needed.
func (s *BroadcastSession) SetListeners(n int) {
	if n < 0 {
		n = 0
	}
	s.Listeners = n
	if n > s.PeakListeners {
		s.PeakListeners = n
	}
}

// SessionInfo is the read-only view used by list endpoints.
type SessionInfo struct {
	ID            BroadcastID  `json:"id"`
	Broadcaster   UserID       `json:"broadcaster"`
	State         SessionState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	Listeners     int          `json:"listeners"`
	PeakListeners int          `json:"peak_listeners"`
	Sources       int          `json:"sources"`
	PendingCalls  int          `json:"pending_calls"`
	ActiveCalls   int          `json:"active_calls"`
}
