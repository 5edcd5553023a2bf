package signal

import (
	"encoding/json"

	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

type sourcePayload struct {
	Type     string              `json:"type"`
	SourceID domain.SourceID     `json:"source_id,omitempty"`
	Source   domain.SourceSpec   `json:"source"`
	Update   domain.SourceUpdate `json:"update"`
	Active   *bool               `json:"active,omitempty"`
}

func (ctl *SignalWSController) decodeSource(sid core.SessionID, conn core.SignalConnection, kind string, data []byte) (domain.BroadcastID, sourcePayload, bool) {
	var p sourcePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.fail(conn, kind, domain.ErrMalformedPayload)
		return "", p, false
	}
	b, err := ctl.requireBroadcaster(sid)
	if err != nil {
		ctl.fail(conn, kind, err)
		return "", p, false
	}
	return b, p, true
}

func (ctl *SignalWSController) handleAddSource(sid core.SessionID, conn core.SignalConnection, data []byte) {
	b, p, ok := ctl.decodeSource(sid, conn, msgAddSource, data)
	if !ok {
		return
	}
	id, err := ctl.sessions().AddSource(b, p.Source)
	if err != nil {
		ctl.fail(conn, msgAddSource, err)
		return
	}
	ctl.sendJSON(conn, map[string]any{"type": "source_added", "source_id": id})
}

func (ctl *SignalWSController) handleUpdateSource(sid core.SessionID, conn core.SignalConnection, data []byte) {
	b, p, ok := ctl.decodeSource(sid, conn, msgUpdateSource, data)
	if !ok {
		return
	}
	src, err := ctl.sessions().UpdateSource(b, p.SourceID, p.Update)
	if err != nil {
		ctl.fail(conn, msgUpdateSource, err)
		return
	}
	ctl.sendJSON(conn, map[string]any{"type": "source", "source": src})
}

func (ctl *SignalWSController) handleRemoveSource(sid core.SessionID, conn core.SignalConnection, data []byte) {
	b, p, ok := ctl.decodeSource(sid, conn, msgRemoveSource, data)
	if !ok {
		return
	}
	if err := ctl.sessions().RemoveSource(b, p.SourceID); err != nil {
		ctl.fail(conn, msgRemoveSource, err)
		return
	}
	ctl.sendJSON(conn, map[string]any{"type": "source_removed", "source_id": p.SourceID})
}

func (ctl *SignalWSController) handleSourceActive(sid core.SessionID, conn core.SignalConnection, data []byte) {
	b, p, ok := ctl.decodeSource(sid, conn, msgSourceActive, data)
	if !ok {
		return
	}
	if p.Active == nil {
		ctl.fail(conn, msgSourceActive, domain.ErrMalformedPayload)
		return
	}
	if err := ctl.sessions().SetSourceActive(b, p.SourceID, *p.Active); err != nil {
		ctl.fail(conn, msgSourceActive, err)
		return
	}
	ctl.handleSources(sid, conn)
}

// handleSources lists the active mix; any member of the broadcast may ask.
func (ctl *SignalWSController) handleSources(sid core.SessionID, conn core.SignalConnection) {
	b, err := ctl.broadcastOf(sid)
	if err != nil {
		ctl.fail(conn, msgSources, err)
		return
	}
	active, err := ctl.sessions().ActiveSources(b)
	if err != nil {
		ctl.fail(conn, msgSources, err)
		return
	}
	ctl.sendJSON(conn, struct {
		Type    string               `json:"type"`
		Sources []domain.AudioSource `json:"sources"`
	}{"sources", active})
}
