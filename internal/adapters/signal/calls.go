package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

type callReply struct {
	Type string             `json:"type"`
	Call domain.CallRequest `json:"call"`
}

func (ctl *SignalWSController) handleRequestCall(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	type requestPayload struct {
		Type     string `json:"type"`
		Name     string `json:"name,omitempty"`
		Location string `json:"location,omitempty"`
	}
	var p requestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(conn, msgRequestCall, domain.ErrMalformedPayload)
		return
	}
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, msgRequestCall, err)
		return
	}
	if p.Name == "" {
		p.Name = ctl.Clients.Registry.GetOrCreateUser(sid).Username
	}
	call, err := ctl.sessions().RequestCall(b, domain.UserID(sid), domain.CallerInfo{Name: p.Name, Location: p.Location})
	if err != nil {
		ctl.fail(conn, msgRequestCall, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("call", string(call.ID)).Int("position", call.Position).Msg("call requested")
	ctl.sendJSON(conn, callReply{"call", call})
}

func (ctl *SignalWSController) handleHangUp(sid core.SessionID, conn core.SignalConnection) {
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, msgHangUp, err)
		return
	}
	call, err := ctl.sessions().HangUp(b, domain.UserID(sid))
	if err != nil {
		ctl.fail(conn, msgHangUp, err)
		return
	}
	ctl.sendJSON(conn, callReply{"call", call})
}

// handleDecideCall covers accept, reject and end; all are the
// broadcaster's to make.
func (ctl *SignalWSController) handleDecideCall(
	sid core.SessionID,
	conn core.SignalConnection,
	kind string,
	data []byte,
) {
	type decidePayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"call_id"`
		Reason string        `json:"reason,omitempty"`
	}
	var p decidePayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		ctl.fail(conn, kind, domain.ErrMalformedPayload)
		return
	}
	b, err := ctl.requireBroadcaster(sid)
	if err != nil {
		ctl.fail(conn, kind, err)
		return
	}

	var call domain.CallRequest
	switch kind {
	case msgAcceptCall:
		call, err = ctl.sessions().AcceptCall(b, p.CallID)
	case msgRejectCall:
		call, err = ctl.sessions().RejectCall(b, p.CallID, p.Reason)
	case msgEndCall:
		call, err = ctl.sessions().EndCall(b, p.CallID)
	}
	if err != nil {
		ctl.fail(conn, kind, err)
		return
	}
	ctl.sendJSON(conn, callReply{"call", call})
}

func (ctl *SignalWSController) handleCalls(sid core.SessionID, conn core.SignalConnection) {
	b, err := ctl.requireBroadcaster(sid)
	if err != nil {
		ctl.fail(conn, msgCalls, err)
		return
	}
	snap, err := ctl.sessions().Calls(b)
	if err != nil {
		ctl.fail(conn, msgCalls, err)
		return
	}
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
		domain.QueueSnapshot
	}{"calls", snap})
}
