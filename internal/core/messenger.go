package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/onair/internal/domain"
)

// SignalMessage is what the relay forwards between two peers. Payload is
// transport specific (SDP, ICE candidate) and opaque here.
type SignalMessage struct {
	Type      string             `json:"type"`
	Broadcast domain.BroadcastID `json:"broadcast,omitempty"`
	From      domain.UserID      `json:"from,omitempty"`
	To        domain.UserID      `json:"to,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
}

// Messenger delivers a message to a peer of a broadcast. Deliver must not
// block; a slow peer yields an error instead.
type Messenger interface {
	Deliver(b domain.BroadcastID, to domain.UserID, msg SignalMessage) error
}

// Redialer asks the transport to re-establish a dropped connection.
type Redialer interface {
	Redial(ctx context.Context, key domain.ConnKey, attempt int) error
}

// StatsSource reads current transport metrics for a connection.
type StatsSource interface {
	Sample(ctx context.Context, key domain.ConnKey) (domain.Metrics, error)
}
