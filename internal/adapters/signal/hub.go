package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/app/signaling"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
)

var ErrPeerOffline = errors.New("peer has no signaling socket")

// MediaSignaler takes messages addressed to the server's media endpoint.
type MediaSignaler interface {
	HandleSignal(msg core.SignalMessage) error
}

// Hub routes core traffic onto client sockets. It is the core's Messenger
// and Redialer, and forwards bus events to the clients concerned.
type Hub struct {
	registry *app.Registry
	media    MediaSignaler
	clients  *app.Orchestrator
	logger   zerolog.Logger

	// broadcasters is owned by the Run goroutine.
	broadcasters map[domain.BroadcastID]domain.UserID
}

func NewHub(reg *app.Registry) *Hub {
	return &Hub{
		registry:     reg,
		logger:       log.With().Str("module", "signal.hub").Logger(),
		broadcasters: make(map[domain.BroadcastID]domain.UserID),
	}
}

// Attach completes the wiring once the media endpoint and the client
// orchestrator exist; both depend on the session manager, which depends on
// the hub.
func (h *Hub) Attach(media MediaSignaler, clients *app.Orchestrator) {
	h.media = media
	h.clients = clients
}

// Deliver never blocks. It is called with the broadcast locked, so a full
// socket is handed to the backpressure policy on its own goroutine.
func (h *Hub) Deliver(b domain.BroadcastID, to domain.UserID, msg core.SignalMessage) error {
	if to == domain.ServerPeer {
		if h.media == nil {
			return ErrPeerOffline
		}
		return h.media.HandleSignal(msg)
	}
	sc, ok := h.registry.Signal(to)
	if !ok {
		return ErrPeerOffline
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	err = sc.TrySend(frame)
	if errors.Is(err, ErrBackpressure) && h.clients != nil {
		go h.clients.OnBackpressure(b, to)
	}
	return err
}

func (h *Hub) Redial(_ context.Context, key domain.ConnKey, attempt int) error {
	err := h.Deliver(key.Broadcast, key.Peer, core.SignalMessage{
		Type:      signaling.MsgReconnect,
		Broadcast: key.Broadcast,
		To:        key.Peer,
		Attempt:   attempt,
	})
	if err != nil {
		return fmt.Errorf("redial %s: %w", key, err)
	}
	return nil
}

// Run forwards bus events until ctx is done. Queue and quality events go to
// the broadcaster only; audience changes go to everyone in the broadcast.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(nil)
	defer cancel()
	return h.pump(ctx, ch)
}

func (h *Hub) pump(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			h.forward(e)
		}
	}
}

func (h *Hub) forward(e events.Event) {
	switch e.Type {
	case events.SessionCreated:
		if p, ok := e.Payload.(events.SessionPayload); ok {
			h.broadcasters[e.Broadcast] = p.Broadcaster
		}
	case events.SessionEnded:
		delete(h.broadcasters, e.Broadcast)
		if h.clients != nil {
			if s, err := h.clients.Sessions.Session(e.Broadcast); err == nil && s.IsLive() {
				// restarted under the same ID before this event arrived
				return
			}
		}
		for _, sid := range h.registry.PeersOf(e.Broadcast) {
			h.registry.SetBroadcast(sid, "")
		}
	case events.CallIncoming, events.CallQueueUpdate, events.QualityUpdate, events.ReconnectExhausted:
		if peer, ok := h.broadcasterOf(e.Broadcast); ok {
			h.send(peer, e)
		}
	case events.ListenerCountChanged, events.SourcesChanged:
		for _, sid := range h.registry.PeersOf(e.Broadcast) {
			h.send(domain.UserID(sid), e)
		}
	}
}

func (h *Hub) broadcasterOf(b domain.BroadcastID) (domain.UserID, bool) {
	if peer, ok := h.broadcasters[b]; ok {
		return peer, true
	}
	if h.clients == nil {
		return "", false
	}
	s, err := h.clients.Sessions.Session(b)
	if err != nil {
		return "", false
	}
	h.broadcasters[b] = s.Broadcaster.ID
	return s.Broadcaster.ID, true
}

func (h *Hub) send(peer domain.UserID, e events.Event) {
	sc, ok := h.registry.Signal(peer)
	if !ok {
		return
	}
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(e.Type)).Msg("encode event")
		return
	}
	if err := sc.TrySend(frame); err != nil {
		h.logger.Debug().Err(err).Str("peer", string(peer)).Str("type", string(e.Type)).Msg("event not delivered")
	}
}
