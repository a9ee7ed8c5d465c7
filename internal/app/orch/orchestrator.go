// Package orch ties client connections to voice rooms: it resolves a socket
// to its room, forwards room events to the socket and reacts to room hooks.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/app"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
	"github.com/dkeye/voicerooms/internal/stats"
)

var ErrBanned = fmt.Errorf("%w: user is banned", core.ErrStateViolation)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	// StatsInterval is the per-session transport sampling period.
	StatsInterval time.Duration

	mu       sync.Mutex
	monitors map[core.SessionID]*stats.Monitor
}

// New builds an orchestrator without rooms. The caller wires Rooms with
// OnSessionClosed and OnEventsDropped as hooks.
func New(registry *app.Registry, policy app.Policy, statsInterval time.Duration) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Orchestrator{
		Registry:      registry,
		Policy:        policy,
		StatsInterval: statsInterval,
		monitors:      make(map[core.SessionID]*stats.Monitor),
	}
}

// Connect binds a fresh socket to sid. A session still held by an older socket
// of the same client is left first.
func (o *Orchestrator) Connect(ctx context.Context, sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) *domain.User {
	user := o.Registry.GetOrCreateUser(sid)
	if _, ok := o.Registry.RoomOf(sid); ok {
		o.Leave(ctx, sid, core.LeaveDisconnected)
	}
	o.Registry.BindSignal(sid, sig, cancel)
	return user
}

// OnDisconnect runs when a socket's read loop ends. Nothing happens if sid was
// already rebound to a newer socket.
func (o *Orchestrator) OnDisconnect(sid core.SessionID, sig core.SignalConnection) {
	if cur, ok := o.Registry.Signal(sid); !ok || cur != sig {
		return
	}
	o.Leave(context.Background(), sid, core.LeaveDisconnected)
	o.Registry.Unbind(sid, sig)
}

// Send encodes v as JSON and queues it on sid's socket.
func (o *Orchestrator) Send(sid core.SessionID, v any) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("send marshal")
		return
	}
	if err := sig.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("send dropped")
	}
}

// broadcast sends v to every socket in channelID except skip.
func (o *Orchestrator) broadcast(channelID domain.ChannelID, skip core.SessionID, v any) {
	for _, snap := range o.Registry.MembersOfRoom(channelID) {
		if snap.SID == skip {
			continue
		}
		o.Send(snap.SID, v)
	}
}

// pump forwards room events to the socket until the subscription is cancelled.
func (o *Orchestrator) pump(sid core.SessionID, sub *signalbus.Subscription) {
	for ev := range sub.C() {
		o.Send(sid, ev)
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(sub.ChannelID())).Msg("event pump done")
}

// OnSessionClosed is the room hook for every ended session.
func (o *Orchestrator) OnSessionClosed(room core.RoomService, userID domain.UserID, reason core.LeaveReason) {
	for _, sid := range o.Registry.SessionsOfUser(userID) {
		if !o.Registry.RemoveRoom(sid, room.ChannelID()) {
			continue
		}
		o.stopMonitor(sid)
		switch reason {
		case core.LeaveVoluntary, core.LeaveKicked, core.LeaveBanned:
		default:
			o.Send(sid, leftMessage{Type: "left", Channel: room.ChannelID(), Reason: string(reason)})
		}
	}
}

// OnEventsDropped applies the backpressure policy to subscribers that lost
// events.
func (o *Orchestrator) OnEventsDropped(room core.RoomService, dropped []*signalbus.Subscription) {
	for _, sub := range dropped {
		switch o.Policy.OnBackPressure(room, sub) {
		case app.KickMember:
			for _, sid := range o.Registry.SessionsOfUser(sub.UserID()) {
				// hooks run inside a room op
				go o.disconnect(sid, core.LeaveSlowConsumer)
			}
		case app.MarkSlow:
			log.Warn().
				Str("module", "orch").
				Str("channel", string(room.ChannelID())).
				Str("user", string(sub.UserID())).
				Int64("dropped", sub.Dropped()).
				Msg("slow member")
		case app.DropEvent, app.NoAction:
		}
	}
}

// disconnect leaves the room with reason and closes the socket.
func (o *Orchestrator) disconnect(sid core.SessionID, reason core.LeaveReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.Leave(ctx, sid, reason)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) startMonitor(sid core.SessionID, sess *core.ParticipantSession) {
	m := stats.NewMonitor(o.StatsInterval, log.With().
		Str("module", "stats").
		Str("sid", string(sid)).
		Str("channel", string(sess.ChannelID())).
		Logger())

	o.mu.Lock()
	old := o.monitors[sid]
	o.monitors[sid] = m
	o.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	var send, recv stats.Source
	if t := sess.Transport(core.DirectionSend); t != nil {
		send = t
	}
	if t := sess.Transport(core.DirectionRecv); t != nil {
		recv = t
	}
	m.Start(send, recv)
}

func (o *Orchestrator) stopMonitor(sid core.SessionID) {
	o.mu.Lock()
	m := o.monitors[sid]
	delete(o.monitors, sid)
	o.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// Stats returns the latest transport sample of sid's voice session.
func (o *Orchestrator) Stats(sid core.SessionID) (stats.Data, error) {
	o.mu.Lock()
	m, ok := o.monitors[sid]
	o.mu.Unlock()
	if !ok {
		return stats.Data{}, core.ErrSessionNotFound
	}
	return m.Snapshot(), nil
}

// UserStats finds the first monitored connection of userID.
func (o *Orchestrator) UserStats(userID domain.UserID) (stats.Data, error) {
	for _, sid := range o.Registry.SessionsOfUser(userID) {
		if d, err := o.Stats(sid); err == nil {
			return d, nil
		}
	}
	return stats.Data{}, core.ErrSessionNotFound
}

// ResetStats clears running totals of sid's monitor.
func (o *Orchestrator) ResetStats(sid core.SessionID) error {
	o.mu.Lock()
	m, ok := o.monitors[sid]
	o.mu.Unlock()
	if !ok {
		return core.ErrSessionNotFound
	}
	m.Reset()
	return nil
}

// Shutdown destroys every room and stops every monitor.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.Rooms.DrainAll(ctx)
	o.mu.Lock()
	ms := o.monitors
	o.monitors = make(map[core.SessionID]*stats.Monitor)
	o.mu.Unlock()
	for _, m := range ms {
		m.Stop()
	}
}

type leftMessage struct {
	Type    string           `json:"type"`
	Channel domain.ChannelID `json:"channelId"`
	Reason  string           `json:"reason,omitempty"`
}

func isGone(err error) bool {
	return errors.Is(err, core.ErrRoomNotFound) || errors.Is(err, core.ErrSessionNotFound)
}
