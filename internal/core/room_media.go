package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/metrics"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

func (r *roomImpl) Produce(ctx context.Context, userID domain.UserID, kind domain.StreamKind, params domain.MediaParameters) (ProducerInfo, error) {
	if !kind.Valid() {
		return ProducerInfo{}, ErrInvalidStreamKind
	}
	var info ProducerInfo
	err := r.exec(ctx, func(ctx context.Context) error {
		s, err := r.activeSession(userID)
		if err != nil {
			return err
		}
		if _, ok := s.Producer(kind); ok {
			return ErrProducerExists
		}
		send := s.Transport(DirectionSend)

		ectx, cancel := r.engineCtx(ctx)
		defer cancel()
		p, err := send.Produce(ectx, kind, params)
		if err != nil {
			metrics.EngineFailure("produce")
			return engineFailure("produce", err)
		}
		s.addProducer(p)
		info = ProducerInfo{ID: p.ID(), Kind: kind}

		r.publish(signalbus.NewProducerEvent(r.channelID, userID, kind, r.cfg.Engine.RtpCapabilities()))
		r.logger.Info().Str("user", string(userID)).Str("kind", string(kind)).Str("producer", p.ID()).Msg("producer added")
		return nil
	})
	return info, err
}

func (r *roomImpl) CloseProducer(ctx context.Context, userID domain.UserID, kind domain.StreamKind) error {
	if !kind.Valid() {
		return ErrInvalidStreamKind
	}
	return r.exec(ctx, func(ctx context.Context) error {
		s, ok := r.Session(userID)
		if !ok {
			return ErrSessionNotFound
		}
		p := s.removeProducer(kind)
		if p == nil {
			return ErrProducerNotFound
		}
		ref := s.Member().Ref(kind)
		for _, o := range r.others(userID) {
			if c := o.removeConsumer(ref); c != nil {
				o.logClose("consumer", c.ID(), c.Close())
			}
		}
		s.logClose("producer", p.ID(), p.Close())

		r.publish(signalbus.ProducerClosedEvent(r.channelID, userID, kind))
		r.logger.Info().Str("user", string(userID)).Str("kind", string(kind)).Msg("producer closed")
		return nil
	})
}

// Consume returns the existing consumer when the stream is already consumed.
func (r *roomImpl) Consume(ctx context.Context, userID, remoteUserID domain.UserID, kind domain.StreamKind, caps domain.RtpCapabilities) (ConsumerInfo, error) {
	if !kind.Valid() {
		return ConsumerInfo{}, ErrInvalidStreamKind
	}
	if userID == remoteUserID {
		return ConsumerInfo{}, ErrSelfConsume
	}
	var info ConsumerInfo
	err := r.exec(ctx, func(ctx context.Context) error {
		s, err := r.activeSession(userID)
		if err != nil {
			return err
		}
		ref := domain.RemoteStreamRef{UserID: remoteUserID, Kind: kind}
		if c, ok := s.Consumer(ref); ok {
			info = consumerInfo(remoteUserID, c)
			return nil
		}

		remote, ok := r.Session(remoteUserID)
		if !ok || remote.State() != StateActive {
			return ErrProducerNotFound
		}
		p, ok := remote.Producer(kind)
		if !ok {
			return ErrProducerNotFound
		}

		ectx, cancel := r.engineCtx(ctx)
		defer cancel()
		c, err := s.Transport(DirectionRecv).Consume(ectx, p.ID(), caps)
		if err != nil {
			metrics.EngineFailure("consume")
			return engineFailure("consume", err)
		}
		s.addConsumer(ref, c)
		info = consumerInfo(remoteUserID, c)
		r.logger.Debug().
			Str("user", string(userID)).
			Str("remote", string(remoteUserID)).
			Str("kind", string(kind)).
			Str("consumer", c.ID()).
			Msg("consumer added")
		return nil
	})
	return info, err
}

func consumerInfo(remote domain.UserID, c Consumer) ConsumerInfo {
	return ConsumerInfo{
		ID:           c.ID(),
		ProducerID:   c.ProducerID(),
		RemoteUserID: remote,
		Kind:         c.Kind(),
		Parameters:   c.Parameters(),
	}
}

func (r *roomImpl) CloseConsumer(ctx context.Context, userID, remoteUserID domain.UserID, kind domain.StreamKind) error {
	return r.exec(ctx, func(ctx context.Context) error {
		s, ok := r.Session(userID)
		if !ok {
			return ErrSessionNotFound
		}
		c := s.removeConsumer(domain.RemoteStreamRef{UserID: remoteUserID, Kind: kind})
		if c == nil {
			return ErrConsumerNotFound
		}
		s.logClose("consumer", c.ID(), c.Close())
		return nil
	})
}

func (r *roomImpl) Negotiate(ctx context.Context, userID domain.UserID, dir Direction, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	var local *webrtc.SessionDescription
	err := r.exec(ctx, func(ctx context.Context) error {
		s, err := r.activeSession(userID)
		if err != nil {
			return err
		}
		ectx, cancel := r.engineCtx(ctx)
		defer cancel()
		local, err = s.Transport(dir).Negotiate(ectx, remote)
		if err != nil {
			metrics.EngineFailure("negotiate")
			return engineFailure("negotiate", err)
		}
		return nil
	})
	return local, err
}

// AddICECandidate skips the queue; candidates only touch the transport.
func (r *roomImpl) AddICECandidate(ctx context.Context, userID domain.UserID, dir Direction, cand webrtc.ICECandidateInit) error {
	if r.closed.IsBroken() {
		return ErrRoomNotFound
	}
	s, err := r.activeSession(userID)
	if err != nil {
		return err
	}
	if err := s.Transport(dir).AddICECandidate(cand); err != nil {
		return engineFailure("add ice candidate", err)
	}
	return nil
}
