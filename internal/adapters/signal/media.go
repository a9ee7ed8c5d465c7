package signal

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type streamPayload struct {
	Kind         string `json:"kind"`
	RemoteUserID string `json:"remoteUserId,omitempty"`
}

type producedMessage struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Producer core.ProducerInfo `json:"producer"`
}

type consumedMessage struct {
	Type     string                     `json:"type"`
	ID       string                     `json:"id,omitempty"`
	Consumer core.ConsumerInfo          `json:"consumer"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
}

type descriptionMessage struct {
	Type        string                     `json:"type"`
	ID          string                     `json:"id,omitempty"`
	Direction   string                     `json:"direction"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
}

func (ctl *SignalWSController) handleProduce(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Kind       string                 `json:"kind"`
		Parameters domain.MediaParameters `json:"parameters"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	kind, err := domain.ParseStreamKind(p.Kind)
	if err != nil {
		ctl.sendError(conn, env.ID, core.ErrInvalidStreamKind)
		return
	}
	if !ctl.Limiter.Allow(domain.UserID(sid)) {
		ctl.sendError(conn, env.ID, errRateLimited)
		return
	}
	info, err := ctl.Orch.Produce(ctx, sid, kind, p.Parameters)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendJSON(conn, producedMessage{Type: "produced", ID: env.ID, Producer: info})
}

func (ctl *SignalWSController) handleCloseProducer(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p streamPayload
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	kind, err := domain.ParseStreamKind(p.Kind)
	if err != nil {
		ctl.sendError(conn, env.ID, core.ErrInvalidStreamKind)
		return
	}
	if err := ctl.Orch.CloseProducer(ctx, sid, kind); err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendAck(conn, env)
}

func (ctl *SignalWSController) handleConsume(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		streamPayload
		RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	kind, err := domain.ParseStreamKind(p.Kind)
	if err != nil || p.RemoteUserID == "" {
		ctl.sendError(conn, env.ID, core.ErrBadRequest)
		return
	}
	info, offer, err := ctl.Orch.Consume(ctx, sid, domain.UserID(p.RemoteUserID), kind, p.RtpCapabilities)
	if err != nil && info.ID == "" {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendJSON(conn, consumedMessage{Type: "consumed", ID: env.ID, Consumer: info, Offer: offer})
}

func (ctl *SignalWSController) handleCloseConsumer(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p streamPayload
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	kind, err := domain.ParseStreamKind(p.Kind)
	if err != nil || p.RemoteUserID == "" {
		ctl.sendError(conn, env.ID, core.ErrBadRequest)
		return
	}
	if err := ctl.Orch.CloseConsumer(ctx, sid, domain.UserID(p.RemoteUserID), kind); err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendAck(conn, env)
}

// handleNegotiate applies the client's description to one transport. Without
// a description the server produces an offer.
func (ctl *SignalWSController) handleNegotiate(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Direction   string                     `json:"direction"`
		Description *webrtc.SessionDescription `json:"description,omitempty"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	dir, err := core.ParseDirection(p.Direction)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	local, err := ctl.Orch.Negotiate(ctx, sid, dir, p.Description)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	ctl.sendJSON(conn, descriptionMessage{Type: "description", ID: env.ID, Direction: dir.String(), Description: local})
}

func (ctl *SignalWSController) handleCandidate(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	env envelope,
	data []byte,
) {
	var p struct {
		Direction string                  `json:"direction"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if !ctl.decode(conn, env, data, &p) {
		return
	}
	dir, err := core.ParseDirection(p.Direction)
	if err != nil {
		ctl.sendError(conn, env.ID, err)
		return
	}
	if err := ctl.Orch.AddICECandidate(ctx, sid, dir, p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add ice candidate")
		ctl.sendError(conn, env.ID, err)
	}
}
