package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, kind domain.StreamKind, params domain.MediaParameters) (core.ProducerInfo, error) {
	room, uid, err := o.room(sid)
	if err != nil {
		return core.ProducerInfo{}, err
	}
	return room.Produce(ctx, uid, kind, params)
}

func (o *Orchestrator) CloseProducer(ctx context.Context, sid core.SessionID, kind domain.StreamKind) error {
	room, uid, err := o.room(sid)
	if err != nil {
		return err
	}
	return room.CloseProducer(ctx, uid, kind)
}

// Consume subscribes sid to remote's stream and renegotiates the receive
// transport. The returned offer must be answered through Negotiate.
func (o *Orchestrator) Consume(ctx context.Context, sid core.SessionID, remote domain.UserID, kind domain.StreamKind, caps domain.RtpCapabilities) (core.ConsumerInfo, *webrtc.SessionDescription, error) {
	room, uid, err := o.room(sid)
	if err != nil {
		return core.ConsumerInfo{}, nil, err
	}
	info, err := room.Consume(ctx, uid, remote, kind, caps)
	if err != nil {
		return core.ConsumerInfo{}, nil, err
	}
	offer, err := room.Negotiate(ctx, uid, core.DirectionRecv, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("consumer", info.ID).Msg("recv renegotiation")
		return info, nil, err
	}
	return info, offer, nil
}

func (o *Orchestrator) CloseConsumer(ctx context.Context, sid core.SessionID, remote domain.UserID, kind domain.StreamKind) error {
	room, uid, err := o.room(sid)
	if err != nil {
		return err
	}
	return room.CloseConsumer(ctx, uid, remote, kind)
}

func (o *Orchestrator) Negotiate(ctx context.Context, sid core.SessionID, dir core.Direction, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	room, uid, err := o.room(sid)
	if err != nil {
		return nil, err
	}
	return room.Negotiate(ctx, uid, dir, remote)
}

func (o *Orchestrator) AddICECandidate(ctx context.Context, sid core.SessionID, dir core.Direction, cand webrtc.ICECandidateInit) error {
	room, uid, err := o.room(sid)
	if err != nil {
		return err
	}
	return room.AddICECandidate(ctx, uid, dir, cand)
}
