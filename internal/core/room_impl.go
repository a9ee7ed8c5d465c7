package core

import (
	"context"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	fuse "github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/metrics"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

// roomImpl is a voice room whose mutations all run on one ops queue.
// Reads go through mu and never wait for the queue.
type roomImpl struct {
	channelID domain.ChannelID
	cfg       RoomConfig
	logger    zerolog.Logger

	queue     *opsQueue
	topic     *signalbus.Topic
	closed    fuse.Fuse
	closeOnce sync.Once

	mu       sync.RWMutex
	sessions *orderedmap.OrderedMap[domain.UserID, *ParticipantSession]
}

func NewRoomService(channelID domain.ChannelID, cfg RoomConfig) RoomService {
	if cfg.Bus == nil {
		cfg.Bus = signalbus.NewBus()
	}
	r := &roomImpl{
		channelID: channelID,
		cfg:       cfg,
		logger:    log.With().Str("module", "core.room").Str("channel", string(channelID)).Logger(),
		queue:     newOpsQueue(string(channelID)),
		topic:     cfg.Bus.Open(channelID),
		closed:    fuse.NewFuse(),
		sessions:  orderedmap.NewOrderedMap[domain.UserID, *ParticipantSession](),
	}
	r.queue.start()
	metrics.RoomStarted()
	r.logger.Info().Msg("room started")
	return r
}

func (r *roomImpl) ChannelID() domain.ChannelID { return r.channelID }
func (r *roomImpl) Closed() bool                { return r.closed.IsBroken() }
func (r *roomImpl) Done() <-chan struct{}       { return r.closed.Watch() }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions.Len()
}

func (r *roomImpl) Session(userID domain.UserID) (*ParticipantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions.Get(userID)
}

func (r *roomImpl) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := RoomSnapshot{
		ChannelID:    r.channelID,
		Participants: make([]ParticipantInfo, 0, r.sessions.Len()),
	}
	for el := r.sessions.Front(); el != nil; el = el.Next() {
		out.Participants = append(out.Participants, el.Value.Info())
	}
	return out
}

// exec runs fn on the room queue and waits for it. A room that closed before
// fn got its turn reports ErrRoomNotFound. fn must never call exec itself.
func (r *roomImpl) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	ok := r.queue.enqueue(func() {
		if r.closed.IsBroken() {
			res <- ErrRoomNotFound
			return
		}
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn(ctx)
	})
	if !ok {
		return ErrRoomNotFound
	}
	return <-res
}

func (r *roomImpl) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.EngineTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.EngineTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *roomImpl) others(userID domain.UserID) []*ParticipantSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ParticipantSession, 0, r.sessions.Len())
	for el := r.sessions.Front(); el != nil; el = el.Next() {
		if el.Key != userID {
			out = append(out, el.Value)
		}
	}
	return out
}

func (r *roomImpl) activeSession(userID domain.UserID) (*ParticipantSession, error) {
	s, ok := r.Session(userID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.State() != StateActive {
		return nil, ErrSessionEnding
	}
	return s, nil
}

func (r *roomImpl) publish(ev signalbus.Event) {
	res := r.topic.Publish(ev)
	if len(res.Dropped) > 0 && r.cfg.OnEventsDropped != nil {
		r.cfg.OnEventsDropped(r, res.Dropped)
	}
}

func (r *roomImpl) Join(ctx context.Context, user *domain.User) (*JoinResult, error) {
	var res *JoinResult
	err := r.exec(ctx, func(ctx context.Context) error {
		if s, ok := r.Session(user.ID); ok {
			res = &JoinResult{
				Session:         s,
				SendTransport:   s.Transport(DirectionSend).Params(),
				RecvTransport:   s.Transport(DirectionRecv).Params(),
				RtpCapabilities: r.cfg.Engine.RtpCapabilities(),
				Snapshot:        r.Snapshot(),
				Events:          s.Events(),
			}
			return ErrAlreadyJoined
		}

		s := newParticipantSession(r.channelID, domain.NewMember(r.channelID, user))
		r.mu.Lock()
		r.sessions.Set(user.ID, s)
		r.mu.Unlock()

		send, recv, err := r.provision(ctx, user.ID)
		if err != nil {
			s.transition(StateLeaving)
			r.mu.Lock()
			r.sessions.Delete(user.ID)
			r.mu.Unlock()
			s.transition(StateClosed)
			metrics.EngineFailure("create_transport")
			return err
		}
		r.watchTransport(user.ID, send)
		r.watchTransport(user.ID, recv)

		events := r.topic.Subscribe(user.ID, r.cfg.EventBuffer)
		s.attach(send, recv, events)
		s.transition(StateActive)
		metrics.ParticipantJoined()

		res = &JoinResult{
			Session:         s,
			SendTransport:   send.Params(),
			RecvTransport:   recv.Params(),
			RtpCapabilities: r.cfg.Engine.RtpCapabilities(),
			Snapshot:        r.Snapshot(),
			Events:          events,
		}
		r.logger.Info().Str("user", string(user.ID)).Msg("participant joined")
		return nil
	})
	return res, err
}

// provision creates both transports, closing the first if the second fails.
func (r *roomImpl) provision(ctx context.Context, userID domain.UserID) (Transport, Transport, error) {
	ectx, cancel := r.engineCtx(ctx)
	defer cancel()

	send, err := r.cfg.Engine.CreateTransport(ectx, r.channelID, userID, DirectionSend)
	if err != nil {
		return nil, nil, engineFailure("create send transport", err)
	}
	recv, err := r.cfg.Engine.CreateTransport(ectx, r.channelID, userID, DirectionRecv)
	if err != nil {
		if cerr := send.Close(); cerr != nil {
			r.logger.Warn().Err(cerr).Str("user", string(userID)).Msg("rollback send transport")
		}
		return nil, nil, engineFailure("create recv transport", err)
	}
	return send, recv, nil
}

// watchTransport turns an engine-side transport loss into a leave.
func (r *roomImpl) watchTransport(userID domain.UserID, t Transport) {
	id := t.ID()
	t.OnClosed(func() {
		go func() {
			err := r.exec(context.Background(), func(ctx context.Context) error {
				s, ok := r.Session(userID)
				if !ok || s.State() != StateActive {
					return nil
				}
				if cur := s.Transport(t.Direction()); cur == nil || cur.ID() != id {
					return nil
				}
				r.logger.Warn().Str("user", string(userID)).Str("transport", id).Msg("transport lost")
				r.leave(s, LeaveTransportFailed)
				return nil
			})
			if err != nil && err != ErrRoomNotFound {
				r.logger.Error().Err(err).Str("user", string(userID)).Msg("transport loss cleanup")
			}
		}()
	})
}

func (r *roomImpl) Leave(ctx context.Context, userID domain.UserID, reason LeaveReason) error {
	return r.exec(ctx, func(ctx context.Context) error {
		s, ok := r.Session(userID)
		if !ok {
			return ErrSessionNotFound
		}
		r.leave(s, reason)
		return nil
	})
}

// leave must run on the queue.
func (r *roomImpl) leave(s *ParticipantSession, reason LeaveReason) {
	r.teardown(s, reason)
	r.publish(signalbus.ParticipantLeftEvent(r.channelID, s.UserID(), string(reason)))
	r.logger.Info().Str("user", string(s.UserID())).Str("reason", string(reason)).Msg("participant left")
}

// teardown releases a session and every consumer elsewhere that points at it.
func (r *roomImpl) teardown(s *ParticipantSession, reason LeaveReason) {
	userID := s.UserID()
	s.transition(StateLeaving)

	kinds := s.ProducerKinds()
	for _, o := range r.others(userID) {
		for _, k := range kinds {
			if c := o.removeConsumer(s.Member().Ref(k)); c != nil {
				o.logClose("consumer", c.ID(), c.Close())
			}
		}
	}
	s.release()

	r.mu.Lock()
	r.sessions.Delete(userID)
	r.mu.Unlock()
	s.transition(StateClosed)
	metrics.ParticipantLeft()

	if r.cfg.OnSessionClosed != nil {
		r.cfg.OnSessionClosed(r, userID, reason)
	}
}

func (r *roomImpl) Destroy(ctx context.Context, reason string) error {
	err := r.exec(ctx, func(ctx context.Context) error {
		// Members learn about the teardown before their subscriptions go away.
		r.publish(signalbus.RoomClosedEvent(r.channelID, reason))
		r.mu.RLock()
		all := make([]*ParticipantSession, 0, r.sessions.Len())
		for el := r.sessions.Front(); el != nil; el = el.Next() {
			all = append(all, el.Value)
		}
		r.mu.RUnlock()
		for _, s := range all {
			r.teardown(s, LeaveRoomClosed)
		}
		r.closed.Break()
		return nil
	})
	if err != nil {
		return err
	}
	r.finish(reason)
	return nil
}

func (r *roomImpl) CloseIfEmpty(ctx context.Context) (bool, error) {
	closed := false
	err := r.exec(ctx, func(ctx context.Context) error {
		if r.MemberCount() > 0 {
			return nil
		}
		r.closed.Break()
		closed = true
		return nil
	})
	if err != nil || !closed {
		return false, err
	}
	r.finish("empty")
	return true, nil
}

func (r *roomImpl) finish(reason string) {
	r.closeOnce.Do(func() {
		r.topic.Close()
		r.queue.stop()
		metrics.RoomEnded()
		r.logger.Info().Str("reason", reason).Msg("room closed")
	})
}
