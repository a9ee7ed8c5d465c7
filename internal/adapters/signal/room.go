package signal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

var errRateLimited = fmt.Errorf("%w: too many requests", core.ErrStateViolation)

type joinedMessage struct {
	Type            string                 `json:"type"`
	ID              string                 `json:"id,omitempty"`
	Channel         domain.ChannelID       `json:"channelId"`
	SendTransport   core.TransportParams   `json:"sendTransport"`
	RecvTransport   core.TransportParams   `json:"recvTransport"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	Snapshot        core.RoomSnapshot      `json:"snapshot"`
}

func (ctl *SignalWSController) handleJoin(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Channel string `json:"channelId"`
		Name    string `json:"name,omitempty"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	channelID, err := domain.ParseChannelID(p.Channel)
	if err != nil {
		ctl.sendError(conn, env.ID, core.ErrBadRequest)
		return
	}
	if !ctl.Limiter.Allow(domain.UserID(sid)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.sendError(conn, env.ID, errRateLimited)
		return
	}

	if p.Name != "" {
		if err := ctl.Orch.Registry.UpdateUsername(sid, p.Name); err != nil {
			ctl.sendError(conn, env.ID, core.ErrBadRequest)
			return
		}
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename on join")
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(channelID)).Msg("join")
	res, err := ctl.Orch.Join(ctx, sid, channelID)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendJSON(conn, joinedMessage{
		Type:            "joined",
		ID:              env.ID,
		Channel:         channelID,
		SendTransport:   res.SendTransport,
		RecvTransport:   res.RecvTransport,
		RtpCapabilities: res.RtpCapabilities,
		Snapshot:        res.Snapshot,
	})
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(ctx, sid, core.LeaveVoluntary)
	ctl.sendAck(conn, env)
}
