package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type whoAmIMessage struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`
	UserID   domain.UserID    `json:"userId"`
	Username string           `json:"username"`
	Channel  domain.ChannelID `json:"channelId,omitempty"`
}

func (ctl *SignalWSController) handleRename(
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Name string `json:"name"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename")
	if err := ctl.Orch.Registry.UpdateUsername(sid, p.Name); err != nil {
		ctl.sendJSON(conn, errorMessage{Type: "error", ID: env.ID, Code: "bad_request", Error: err.Error()})
		return
	}
	ctl.handleWhoAmI(sid, conn, env)

	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	if channelID, ok := ctl.Orch.Registry.RoomOf(sid); ok {
		for _, snap := range ctl.Orch.Registry.MembersOfRoom(channelID) {
			if snap.SID == sid {
				continue
			}
			ctl.Orch.Send(snap.SID, struct {
				Type string      `json:"type"`
				User domain.User `json:"user"`
			}{
				Type: "member_updated",
				User: *user,
			})
		}
	}
}

func (ctl *SignalWSController) handleWhoAmI(
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
) {
	user := ctl.Orch.Registry.GetOrCreateUser(sid)

	resp := whoAmIMessage{
		Type:     "whoami",
		ID:       env.ID,
		UserID:   user.ID,
		Username: user.Username,
	}
	if channelID, ok := ctl.Orch.Registry.RoomOf(sid); ok {
		resp.Channel = channelID
	}
	ctl.sendJSON(conn, resp)
}
