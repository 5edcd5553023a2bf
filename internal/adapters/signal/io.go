package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

// Client message types.
const (
	msgPing         = "ping"
	msgWhoAmI       = "whoami"
	msgRename       = "rename"
	msgStart        = "start"
	msgJoin         = "join"
	msgLeave        = "leave"
	msgOffer        = "offer"
	msgAnswer       = "answer"
	msgCandidate    = "candidate"
	msgConnected    = "connected"
	msgDisconnected = "disconnected"
	msgStats        = "stats"
	msgRequestCall  = "request_call"
	msgHangUp       = "hangup"
	msgAcceptCall   = "accept_call"
	msgRejectCall   = "reject_call"
	msgEndCall      = "end_call"
	msgCalls        = "calls"
	msgAddSource    = "add_source"
	msgUpdateSource = "update_source"
	msgRemoveSource = "remove_source"
	msgSourceActive = "set_source_active"
	msgSources      = "sources"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		if b, ok := ctl.Clients.Registry.BroadcastOf(sid); ok && ctl.Stats != nil {
			ctl.Stats.Forget(domain.ConnKey{Broadcast: b, Peer: domain.UserID(sid)})
		}
		ctl.Clients.OnDisconnect(sid, c)
		ctl.limiter.Forget(sid)
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if !ctl.limiter.Allow(sid) {
				log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("message rate exceeded, dropped")
				continue
			}
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c core.SignalConnection, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(c, errorReply("bad_payload", err, nil))
		return
	}

	switch env.Type {
	case msgPing:
		ctl.handlePing(c)
	case msgWhoAmI:
		ctl.handleWhoAmI(sid, c)
	case msgRename:
		ctl.handleRename(sid, c, data)
	case msgStart:
		ctl.handleStart(sid, c, data)
	case msgJoin:
		ctl.handleJoin(sid, c, data)
	case msgLeave:
		ctl.handleLeave(sid, c)
	case msgOffer, msgAnswer, msgCandidate:
		ctl.handleRelay(sid, c, env.Type, data)
	case msgConnected, msgDisconnected:
		ctl.handleConnState(sid, c, env.Type, data)
	case msgStats:
		ctl.handleStats(sid, c, data)
	case msgRequestCall:
		ctl.handleRequestCall(sid, c, data)
	case msgHangUp:
		ctl.handleHangUp(sid, c)
	case msgAcceptCall, msgRejectCall, msgEndCall:
		ctl.handleDecideCall(sid, c, env.Type, data)
	case msgCalls:
		ctl.handleCalls(sid, c)
	case msgAddSource:
		ctl.handleAddSource(sid, c, data)
	case msgUpdateSource:
		ctl.handleUpdateSource(sid, c, data)
	case msgRemoveSource:
		ctl.handleRemoveSource(sid, c, data)
	case msgSourceActive:
		ctl.handleSourceActive(sid, c, data)
	case msgSources:
		ctl.handleSources(sid, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(c, map[string]any{"type": "error", "error": "unknown_type"})
	}
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
