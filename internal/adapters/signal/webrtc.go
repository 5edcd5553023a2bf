package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

// connKey names the connection a client reports about. The broadcaster
// reports on behalf of the peer at the other end; anyone else reports on
// its own connection.
func (ctl *SignalWSController) connKey(sid core.SessionID, b domain.BroadcastID, peer domain.UserID) domain.ConnKey {
	if peer != "" {
		if s, err := ctl.sessions().Session(b); err == nil && s.Broadcaster.ID == domain.UserID(sid) {
			return domain.ConnKey{Broadcast: b, Peer: peer}
		}
	}
	return domain.ConnKey{Broadcast: b, Peer: domain.UserID(sid)}
}

// handleRelay forwards offer/answer/candidate through the signaling relay.
// A missing "to" addresses the broadcaster; "sfu" addresses the server.
func (ctl *SignalWSController) handleRelay(
	sid core.SessionID,
	conn core.SignalConnection,
	kind string,
	data []byte,
) {
	type relayPayload struct {
		Type    string          `json:"type"`
		To      domain.UserID   `json:"to,omitempty"`
		Payload json.RawMessage `json:"payload"`
	}
	var p relayPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.Payload) == 0 {
		log.Error().Err(err).Str("module", "signal").Str("type", kind).Msg("bad relay payload")
		ctl.fail(conn, kind, domain.ErrMalformedPayload)
		return
	}
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, kind, err)
		return
	}

	from := domain.UserID(sid)
	switch kind {
	case msgOffer:
		_, err = ctl.sessions().RelayOffer(b, from, p.To, p.Payload)
	case msgAnswer:
		_, err = ctl.sessions().RelayAnswer(b, from, p.To, p.Payload)
	case msgCandidate:
		err = ctl.sessions().RelayCandidate(b, from, p.To, p.Payload)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", kind).Msg("relay refused")
		ctl.fail(conn, kind, err)
	}
}

// handleConnState takes a client's word that a peer-to-peer path came up or
// went down. Server-terminated paths report through their peer connection.
func (ctl *SignalWSController) handleConnState(
	sid core.SessionID,
	conn core.SignalConnection,
	kind string,
	data []byte,
) {
	type statePayload struct {
		Type   string        `json:"type"`
		Peer   domain.UserID `json:"peer,omitempty"`
		Reason string        `json:"reason,omitempty"`
	}
	var p statePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(conn, kind, domain.ErrMalformedPayload)
		return
	}
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, kind, err)
		return
	}
	key := ctl.connKey(sid, b, p.Peer)
	if kind == msgConnected {
		_, err = ctl.sessions().MarkConnected(key)
	} else {
		reason := p.Reason
		if reason == "" {
			reason = "reported by client"
		}
		_, err = ctl.sessions().Disconnect(key, reason)
	}
	if err != nil {
		ctl.fail(conn, kind, err)
	}
}

// handleStats stores transport figures a client measured itself.
func (ctl *SignalWSController) handleStats(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	type statsPayload struct {
		Type        string        `json:"type"`
		Peer        domain.UserID `json:"peer,omitempty"`
		Bitrate     float64       `json:"bitrate"`
		PacketsLost int64         `json:"packets_lost"`
		Jitter      float64       `json:"jitter"`
		RTT         float64       `json:"rtt"`
		AudioLevel  float64       `json:"audio_level"`
	}
	var p statsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(conn, msgStats, domain.ErrMalformedPayload)
		return
	}
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, msgStats, err)
		return
	}
	if ctl.Stats == nil {
		return
	}
	ctl.Stats.Report(ctl.connKey(sid, b, p.Peer), domain.Metrics{
		Bitrate:     p.Bitrate,
		PacketsLost: p.PacketsLost,
		Jitter:      p.Jitter,
		RTT:         time.Duration(p.RTT * float64(time.Second)),
		AudioLevel:  p.AudioLevel,
	})
}
