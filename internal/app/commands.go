package app

import (
	"fmt"

	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
)

type none = struct{}

// Audio bridge commands.

func (m *Manager) AddSource(b domain.BroadcastID, spec domain.SourceSpec) (domain.SourceID, error) {
	return withRoom(m, b, func(r *Room) (domain.SourceID, error) {
		id, err := r.bridge.Add(spec)
		if err == nil {
			r.mixChanged()
		}
		return id, err
	})
}

// RemoveSource is idempotent. The host source stays until the session ends.
func (m *Manager) RemoveSource(b domain.BroadcastID, id domain.SourceID) error {
	_, err := withRoom(m, b, func(r *Room) (none, error) {
		if err := r.bridge.Remove(id); err != nil {
			return none{}, err
		}
		r.mixChanged()
		return none{}, nil
	})
	return err
}

func (m *Manager) UpdateSource(b domain.BroadcastID, id domain.SourceID, upd domain.SourceUpdate) (domain.AudioSource, error) {
	return withRoom(m, b, func(r *Room) (domain.AudioSource, error) {
		src, err := r.bridge.Update(id, upd)
		if err == nil {
			r.mixChanged()
		}
		return src, err
	})
}

func (m *Manager) SetSourceActive(b domain.BroadcastID, id domain.SourceID, active bool) error {
	_, err := withRoom(m, b, func(r *Room) (none, error) {
		if err := r.bridge.SetActive(id, active); err != nil {
			return none{}, err
		}
		r.mixChanged()
		return none{}, nil
	})
	return err
}

// SetSourceFeed attaches the media handle of a source once its track exists.
func (m *Manager) SetSourceFeed(b domain.BroadcastID, id domain.SourceID, feed domain.FeedHandle) error {
	_, err := withRoom(m, b, func(r *Room) (none, error) {
		return none{}, r.bridge.SetFeed(id, feed)
	})
	return err
}

func (m *Manager) ActiveSources(b domain.BroadcastID) ([]domain.AudioSource, error) {
	return withRoom(m, b, func(r *Room) ([]domain.AudioSource, error) {
		return r.bridge.Active(), nil
	})
}

func (m *Manager) Sources(b domain.BroadcastID) ([]domain.AudioSource, error) {
	return withRoom(m, b, func(r *Room) ([]domain.AudioSource, error) {
		return r.bridge.Sources(), nil
	})
}

func (m *Manager) BridgeStats(b domain.BroadcastID) (domain.BridgeStats, error) {
	return withRoom(m, b, func(r *Room) (domain.BridgeStats, error) {
		return r.bridge.Stats(), nil
	})
}

// Call queue commands.

func (m *Manager) RequestCall(b domain.BroadcastID, caller domain.UserID, info domain.CallerInfo) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		if caller == r.broadcaster {
			return domain.CallRequest{}, fmt.Errorf("broadcaster cannot call in: %w", domain.ErrInvalidState)
		}
		return r.queue.Request(caller, info)
	})
}

func (m *Manager) AcceptCall(b domain.BroadcastID, id domain.CallID) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		call, err := r.queue.Accept(id)
		if err == nil {
			r.notifyCall(call)
		}
		return call, err
	})
}

func (m *Manager) RejectCall(b domain.BroadcastID, id domain.CallID, reason string) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		call, err := r.queue.Reject(id, reason)
		if err == nil {
			r.notifyCall(call)
		}
		return call, err
	})
}

func (m *Manager) EndCall(b domain.BroadcastID, id domain.CallID) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		call, err := r.queue.End(id, domain.ReasonHangup)
		if err == nil {
			r.notifyCall(call)
		}
		return call, err
	})
}

// HangUp lets a caller withdraw: a pending request is rejected, an accepted
// call is ended.
func (m *Manager) HangUp(b domain.BroadcastID, caller domain.UserID) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		call, ok := r.queue.OpenFor(caller)
		if !ok {
			return domain.CallRequest{}, fmt.Errorf("hang up %s: %w", caller, domain.ErrNotFound)
		}
		var err error
		if call.State == domain.CallPending {
			call, err = r.queue.Reject(call.ID, domain.ReasonHangup)
		} else {
			call, err = r.queue.End(call.ID, domain.ReasonHangup)
		}
		if err == nil {
			r.notifyCall(call)
		}
		return call, err
	})
}

func (m *Manager) Call(b domain.BroadcastID, id domain.CallID) (domain.CallRequest, error) {
	return withRoom(m, b, func(r *Room) (domain.CallRequest, error) {
		call, ok := r.queue.Get(id)
		if !ok {
			return call, fmt.Errorf("call %s: %w", id, domain.ErrNotFound)
		}
		return call, nil
	})
}

func (m *Manager) Calls(b domain.BroadcastID) (domain.QueueSnapshot, error) {
	return withRoom(m, b, func(r *Room) (domain.QueueSnapshot, error) {
		return r.queue.Snapshot(), nil
	})
}

// Signaling relay commands.

func (m *Manager) RelayOffer(b domain.BroadcastID, from, to domain.UserID, payload []byte) (domain.SignalingConnection, error) {
	return withRoom(m, b, func(r *Room) (domain.SignalingConnection, error) {
		return r.relay.Offer(from, to, payload)
	})
}

func (m *Manager) RelayAnswer(b domain.BroadcastID, from, to domain.UserID, payload []byte) (domain.SignalingConnection, error) {
	return withRoom(m, b, func(r *Room) (domain.SignalingConnection, error) {
		return r.relay.Answer(from, to, payload)
	})
}

func (m *Manager) RelayCandidate(b domain.BroadcastID, from, to domain.UserID, payload []byte) error {
	_, err := withRoom(m, b, func(r *Room) (none, error) {
		return none{}, r.relay.Candidate(from, to, payload)
	})
	return err
}

func (m *Manager) MarkConnected(key domain.ConnKey) (domain.SignalingConnection, error) {
	return withRoom(m, key.Broadcast, func(r *Room) (domain.SignalingConnection, error) {
		return r.relay.MarkConnected(key.Peer)
	})
}

// Disconnect reports a transport-level drop. It also serves the quality
// monitor when a reconnect attempt fails.
func (m *Manager) Disconnect(key domain.ConnKey, reason string) (domain.SignalingConnection, error) {
	return withRoom(m, key.Broadcast, func(r *Room) (domain.SignalingConnection, error) {
		return r.relay.Disconnect(key.Peer, reason)
	})
}

// Leave closes the peer's connection on request. A caller or guest leaving
// gives up its call and its place in the mix; a listener stays attached.
func (m *Manager) Leave(key domain.ConnKey, reason string) error {
	_, err := withRoom(m, key.Broadcast, func(r *Room) (none, error) {
		conn, ok := r.relay.Leave(key.Peer, reason)
		if !ok {
			return none{}, fmt.Errorf("leave %s: %w", key, domain.ErrNotFound)
		}
		if conn.Role == domain.RoleCaller || conn.Role == domain.RoleGuest {
			r.unseat(key.Peer, reason)
		}
		return none{}, nil
	})
	return err
}

func (m *Manager) Connections(b domain.BroadcastID) ([]domain.SignalingConnection, error) {
	return withRoom(m, b, func(r *Room) ([]domain.SignalingConnection, error) {
		return r.relay.All(), nil
	})
}

// The methods below make the Manager the connection view of the quality
// monitor.

func (m *Manager) Connection(key domain.ConnKey) (domain.SignalingConnection, bool) {
	conn, err := withRoom(m, key.Broadcast, func(r *Room) (domain.SignalingConnection, error) {
		c, ok := r.relay.Get(key.Peer)
		if !ok {
			return c, domain.ErrNotFound
		}
		return c, nil
	})
	return conn, err == nil
}

// Connected lists every CONNECTED connection across sessions.
func (m *Manager) Connected() []domain.SignalingConnection {
	var out []domain.SignalingConnection
	for _, r := range m.snapshot() {
		r.mu.Lock()
		if !r.closed.Load() {
			out = append(out, r.relay.Connected()...)
		}
		r.mu.Unlock()
	}
	return out
}

// RecordMetrics stores a sample and publishes it as quality telemetry.
func (m *Manager) RecordMetrics(key domain.ConnKey, sample domain.Metrics) bool {
	ok, _ := withRoom(m, key.Broadcast, func(r *Room) (bool, error) {
		if !r.relay.RecordMetrics(key.Peer, sample) {
			return false, nil
		}
		conn, _ := r.relay.Get(key.Peer)
		r.emit(events.QualityUpdate, events.QualityPayload{
			ConnectionID: key.String(),
			Role:         conn.Role,
			Bitrate:      sample.Bitrate,
			PacketsLost:  sample.PacketsLost,
			Jitter:       sample.Jitter,
			RTT:          sample.RTT.Seconds(),
			AudioLevel:   sample.AudioLevel,
		})
		return true, nil
	})
	return ok
}

func (m *Manager) BeginReconnect(key domain.ConnKey, gen uint64) (domain.SignalingConnection, error) {
	return withRoom(m, key.Broadcast, func(r *Room) (domain.SignalingConnection, error) {
		return r.relay.BeginReconnect(key.Peer, gen)
	})
}
