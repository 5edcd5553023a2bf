// Package events carries the typed notifications the core produces for
// chat/membership, broadcaster UI and monitoring collaborators.
package events

import (
	"time"

	"github.com/dkeye/onair/internal/domain"
)

type Type string

const (
	SessionCreated       Type = "session-created"
	SessionEnded         Type = "session-ended"
	ListenerCountChanged Type = "listener-count-changed"
	CallIncoming         Type = "call-incoming"
	CallQueueUpdate      Type = "call-queue-update"
	QualityUpdate        Type = "quality-update"
	ReconnectExhausted   Type = "reconnect-exhausted"
	SourcesChanged       Type = "sources-changed"
)

// Event is keyed by broadcast ID. Payload is one of the *Payload types below.
type Event struct {
	Type      Type               `json:"type"`
	Broadcast domain.BroadcastID `json:"broadcast_id"`
	At        time.Time          `json:"at"`
	Payload   any                `json:"payload,omitempty"`
}

type SessionPayload struct {
	Broadcaster domain.UserID `json:"broadcaster"`
	Reason      string        `json:"reason,omitempty"`
}

type ListenerCountPayload struct {
	Count int `json:"count"`
	Peak  int `json:"peak"`
}

type CallIncomingPayload struct {
	CallID      domain.CallID `json:"callID"`
	CallerID    domain.UserID `json:"callerID"`
	CallerName  string        `json:"callerName"`
	Location    string        `json:"location,omitempty"`
	RequestTime time.Time     `json:"requestTime"`
}

type CallQueuePayload struct {
	Pending []domain.CallRequest `json:"pendingQueue"`
	Active  []domain.CallRequest `json:"activeCalls"`
}

type QualityPayload struct {
	ConnectionID string          `json:"connectionID"`
	Role         domain.PeerRole `json:"role"`
	Bitrate      float64         `json:"bitrate"`
	PacketsLost  int64           `json:"packetsLost"`
	Jitter       float64         `json:"jitter"`
	RTT          float64         `json:"rtt"`
	AudioLevel   float64         `json:"audioLevel"`
}

type ReconnectExhaustedPayload struct {
	Peer     domain.UserID   `json:"peer"`
	Role     domain.PeerRole `json:"role"`
	Attempts int             `json:"attempts"`
}

type SourcesPayload struct {
	Active []domain.AudioSource `json:"active"`
}

// Publisher is what the core components emit to. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops everything.
var Discard Publisher = PublisherFunc(func(Event) {})
