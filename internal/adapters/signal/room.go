package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

var errForbidden = errors.New("only the broadcaster may do this")

type broadcastPayload struct {
	Type      string             `json:"type"`
	Broadcast domain.BroadcastID `json:"broadcast"`
	Name      string             `json:"name,omitempty"`
}

func (ctl *SignalWSController) decodeBroadcast(conn core.SignalConnection, kind string, sid core.SessionID, data []byte) (broadcastPayload, bool) {
	var p broadcastPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Broadcast == "" {
		log.Error().Err(err).Str("module", "signal").Str("type", kind).Msg("bad payload")
		ctl.fail(conn, kind, domain.ErrMalformedPayload)
		return p, false
	}
	if p.Name != "" {
		if err := ctl.Clients.Registry.UpdateUsername(sid, p.Name); err != nil {
			ctl.fail(conn, kind, err)
			return p, false
		}
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename on " + kind)
	}
	return p, true
}

// handleStart opens a broadcast with the client as broadcaster, or resumes
// it after a dropped socket.
func (ctl *SignalWSController) handleStart(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	p, ok := ctl.decodeBroadcast(conn, msgStart, sid, data)
	if !ok {
		return
	}
	session, err := ctl.Clients.Start(sid, p.Broadcast)
	if err != nil {
		ctl.fail(conn, msgStart, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("broadcast", string(p.Broadcast)).Msg("start")
	ctl.sendJSON(conn, struct {
		Type    string                  `json:"type"`
		Session domain.BroadcastSession `json:"session"`
	}{"session", session})
}

func (ctl *SignalWSController) handleJoin(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	p, ok := ctl.decodeBroadcast(conn, msgJoin, sid, data)
	if !ok {
		return
	}
	info, err := ctl.Clients.Join(sid, p.Broadcast)
	if err != nil {
		ctl.fail(conn, msgJoin, err)
		return
	}
	active, _ := ctl.sessions().ActiveSources(p.Broadcast)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("broadcast", string(p.Broadcast)).Msg("join")
	ctl.sendJSON(conn, struct {
		Type    string               `json:"type"`
		Session domain.SessionInfo   `json:"session"`
		Sources []domain.AudioSource `json:"sources"`
	}{"session_state", info, active})
}

// handleLeave takes the client out of its broadcast; the socket stays open.
func (ctl *SignalWSController) handleLeave(
	sid core.SessionID,
	conn core.SignalConnection,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Clients.Leave(sid)
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
	})
}

// requireBroadcaster resolves the client's broadcast and checks the client
// runs it.
func (ctl *SignalWSController) requireBroadcaster(sid core.SessionID) (domain.BroadcastID, error) {
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		return "", err
	}
	s, err := ctl.sessions().Session(b)
	if err != nil {
		return "", err
	}
	if s.Broadcaster.ID != domain.UserID(sid) {
		return "", errForbidden
	}
	return b, nil
}
