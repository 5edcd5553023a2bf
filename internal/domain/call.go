package domain

import "time"

type CallID string

type CallState string

const (
	CallPending  CallState = "PENDING"
	CallAccepted CallState = "ACCEPTED"
	CallRejected CallState = "REJECTED"
	CallEnded    CallState = "ENDED"
	CallTimedOut CallState = "TIMED_OUT"
)

const (
	ReasonBroadcastEnded  = "broadcast-ended"
	ReasonTimeout         = "timeout"
	ReasonHangup          = "hangup"
	ReasonConnectionLost  = "connection-lost"
	ReasonBroadcasterGone = "broadcaster-gone"
	ReasonLeft            = "left"
	ReasonShutdown        = "shutdown"
)

// Terminal reports whether no further transition is allowed.
func (s CallState) Terminal() bool {
	return s == CallRejected || s == CallEnded || s == CallTimedOut
}

// CanTransition encodes PENDING -> {ACCEPTED, REJECTED, TIMED_OUT} and ACCEPTED -> ENDED.
func (s CallState) CanTransition(to CallState) bool {
	switch s {
	case CallPending:
		return to == CallAccepted || to == CallRejected || to == CallTimedOut
	case CallAccepted:
		return to == CallEnded
	}
	return false
}

// CallerInfo is what a listener tells the broadcaster when asking to go live.
type CallerInfo struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

type CallRequest struct {
	ID          CallID      `json:"id"`
	BroadcastID BroadcastID `json:"broadcast_id"`
	CallerID    UserID      `json:"caller_id"`
	CallerName  string      `json:"caller_name"`
	Location    string      `json:"location,omitempty"`
	RequestedAt time.Time   `json:"request_time"`
	State       CallState   `json:"state"`
	// Position is meaningful only while PENDING; -1 otherwise.
	Position  int       `json:"position"`
	Reason    string    `json:"reason,omitempty"`
	SourceID  SourceID  `json:"source_id,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// QueueSnapshot is the broadcaster-facing view of the queue.
type QueueSnapshot struct {
	Pending []CallRequest `json:"pending_queue"`
	Active  []CallRequest `json:"active_calls"`
}
