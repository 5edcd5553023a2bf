package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

func (ctl *SignalWSController) handleRename(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.fail(conn, msgRename, domain.ErrMalformedPayload)
		return
	}

	if err := ctl.Clients.Registry.UpdateUsername(sid, p.Name); err != nil {
		ctl.fail(conn, msgRename, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename")
	ctl.handleWhoAmI(sid, conn)
}

func (ctl *SignalWSController) handleWhoAmI(
	sid core.SessionID,
	conn core.SignalConnection,
) {
	user := ctl.Clients.Registry.GetOrCreateUser(sid)

	resp := struct {
		Type      string             `json:"type"`
		ID        domain.UserID      `json:"id"`
		Username  string             `json:"username"`
		Broadcast domain.BroadcastID `json:"broadcast,omitempty"`
	}{
		Type:     "whoami",
		ID:       user.ID,
		Username: user.Username,
	}
	if b, ok := ctl.Clients.Registry.BroadcastOf(sid); ok {
		resp.Broadcast = b
	}
	ctl.sendJSON(conn, resp)
}
