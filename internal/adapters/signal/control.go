package signal

import (
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/stats"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
	env envelope,
) {
	resp := struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
	}{
		Type: "pong",
		ID:   env.ID,
	}
	ctl.sendJSON(conn, resp)
}

// handleStats replies with the latest transport sample; "reset": true clears
// the running totals first.
func (ctl *SignalWSController) handleStats(
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Reset bool `json:"reset"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	if p.Reset {
		if err := ctl.Orch.ResetStats(sid); err != nil {
			ctl.sendError(conn, env.ID, err)
			return
		}
	}
	d, err := ctl.Orch.Stats(sid)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendJSON(conn, struct {
		Type  string     `json:"type"`
		ID    string     `json:"id,omitempty"`
		Stats stats.Data `json:"stats"`
	}{
		Type:  "stats",
		ID:    env.ID,
		Stats: d,
	})
}
