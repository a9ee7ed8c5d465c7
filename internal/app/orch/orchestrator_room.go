package orch

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

const joinAttempts = 2

type memberMessage struct {
	Type    string           `json:"type"`
	Channel domain.ChannelID `json:"channelId"`
	User    domain.User      `json:"user"`
}

type candidateMessage struct {
	Type      string                  `json:"type"`
	Direction string                  `json:"direction"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Join puts sid into channelID's voice room, leaving its previous room first.
// Joining the room sid is already in returns the existing session.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, channelID domain.ChannelID) (*core.JoinResult, error) {
	user, ok := o.Registry.User(sid)
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if reason, banned := o.Registry.Banned(user.ID); banned {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("reason", reason).Msg("banned user tried to join")
		return nil, ErrBanned
	}

	if cur, ok := o.Registry.RoomOf(sid); ok && cur != channelID {
		o.Leave(ctx, sid, core.LeaveVoluntary)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("left previous room")
	}

	var (
		res *core.JoinResult
		err error
	)
	for range joinAttempts {
		room := o.Rooms.GetOrCreate(channelID)
		res, err = room.Join(ctx, user)
		// an empty room may be released between lookup and join
		if !errors.Is(err, core.ErrRoomNotFound) {
			break
		}
	}
	if errors.Is(err, core.ErrAlreadyJoined) {
		o.Registry.UpdateRoom(sid, channelID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	o.Registry.UpdateRoom(sid, channelID)
	for _, dir := range []core.Direction{core.DirectionSend, core.DirectionRecv} {
		if t := res.Session.Transport(dir); t != nil {
			t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
				o.Send(sid, candidateMessage{Type: "candidate", Direction: dir.String(), Candidate: ci})
			})
		}
	}
	go o.pump(sid, res.Events)
	o.startMonitor(sid, res.Session)

	o.broadcast(channelID, sid, memberMessage{Type: "member_joined", Channel: channelID, User: *user})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(channelID)).Msg("joined")
	return res, nil
}

// Leave takes sid out of its room. It always succeeds; errors are logged.
func (o *Orchestrator) Leave(ctx context.Context, sid core.SessionID, reason core.LeaveReason) {
	channelID, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if room, ok := o.Rooms.Find(channelID); ok {
		if err := room.Leave(ctx, o.userID(sid), reason); err != nil && !isGone(err) {
			log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("leave")
		}
	}
	o.Registry.RemoveRoom(sid, channelID)
	o.stopMonitor(sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(channelID)).Str("reason", string(reason)).Msg("left")
}

// Kick force-disconnects every socket of userID. Returns how many were found.
func (o *Orchestrator) Kick(ctx context.Context, userID domain.UserID, reason string) int {
	return o.evict(ctx, userID, core.LeaveKicked, reason)
}

// Ban kicks userID and refuses its future joins.
func (o *Orchestrator) Ban(ctx context.Context, userID domain.UserID, reason string) int {
	o.Registry.Ban(userID, reason)
	return o.evict(ctx, userID, core.LeaveBanned, reason)
}

func (o *Orchestrator) evict(ctx context.Context, userID domain.UserID, leave core.LeaveReason, reason string) int {
	sids := o.Registry.SessionsOfUser(userID)
	for _, sid := range sids {
		o.Leave(ctx, sid, leave)
		o.Send(sid, leftMessage{Type: string(leave), Reason: reason})
		o.Registry.Cancel(sid)
	}
	log.Info().Str("module", "orch").Str("user", string(userID)).Str("action", string(leave)).Int("sessions", len(sids)).Msg("evicted")
	return len(sids)
}

// ChannelCreated prepares the room runtime for a new voice channel.
func (o *Orchestrator) ChannelCreated(channelID domain.ChannelID) core.RoomService {
	return o.Rooms.GetOrCreate(channelID)
}

// ChannelDeleted tears the channel's room down before returning. A channel
// without a runtime is not an error.
func (o *Orchestrator) ChannelDeleted(ctx context.Context, channelID domain.ChannelID) error {
	err := o.Rooms.Destroy(ctx, channelID, "channel_deleted")
	if errors.Is(err, core.ErrRoomNotFound) {
		return nil
	}
	return err
}

// room resolves the room sid is in.
func (o *Orchestrator) room(sid core.SessionID) (core.RoomService, domain.UserID, error) {
	channelID, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil, "", core.ErrSessionNotFound
	}
	room, ok := o.Rooms.Find(channelID)
	if !ok {
		return nil, "", core.ErrRoomNotFound
	}
	return room, o.userID(sid), nil
}

func (o *Orchestrator) userID(sid core.SessionID) domain.UserID {
	if u, ok := o.Registry.User(sid); ok {
		return u.ID
	}
	return domain.UserID(sid)
}
