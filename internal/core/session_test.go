package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/domain"
)

func TestSessionTransitionsForwardOnly(t *testing.T) {
	u, err := domain.NewUser("alice")
	require.NoError(t, err)
	s := newParticipantSession("general", domain.NewMember("general", u))

	require.Equal(t, StateJoining, s.State())
	require.False(t, s.transition(StateClosed), "joining cannot jump to closed")
	require.True(t, s.transition(StateActive))
	require.False(t, s.transition(StateJoining))
	require.True(t, s.transition(StateLeaving))
	require.False(t, s.transition(StateActive))
	require.True(t, s.transition(StateClosed))
	require.Equal(t, "closed", s.State().String())
}

type nopEngine struct{}

func (nopEngine) RtpCapabilities() domain.RtpCapabilities { return domain.RtpCapabilities{} }

func (nopEngine) CreateTransport(context.Context, domain.ChannelID, domain.UserID, Direction) (Transport, error) {
	return nil, ErrEngineFailure
}

func TestLeavingSessionRejectsMediaOps(t *testing.T) {
	r := NewRoomService("general", RoomConfig{Engine: nopEngine{}}).(*roomImpl)
	defer r.Destroy(context.Background(), "done")

	u, err := domain.NewUser("alice")
	require.NoError(t, err)
	s := newParticipantSession(r.channelID, domain.NewMember(r.channelID, u))
	s.transition(StateActive)
	s.transition(StateLeaving)
	r.mu.Lock()
	r.sessions.Set(u.ID, s)
	r.mu.Unlock()

	_, err = r.Produce(context.Background(), u.ID, domain.StreamAudio, domain.MediaParameters{})
	require.ErrorIs(t, err, ErrSessionEnding)
	require.Equal(t, "state_violation", Code(err))

	_, err = r.Consume(context.Background(), u.ID, "bob", domain.StreamAudio, domain.RtpCapabilities{})
	require.ErrorIs(t, err, ErrStateViolation)

	_, err = r.Negotiate(context.Background(), u.ID, DirectionSend, nil)
	require.ErrorIs(t, err, ErrSessionEnding)
}

func TestCodeMapping(t *testing.T) {
	require.Equal(t, "", Code(nil))
	require.Equal(t, "not_found", Code(ErrRoomNotFound))
	require.Equal(t, "conflict", Code(ErrSelfConsume))
	require.Equal(t, "bad_request", Code(ErrInvalidDirection))
	require.Equal(t, "engine_failure", Code(engineFailure("produce", context.Canceled)))
	require.Equal(t, "internal", Code(context.Canceled))
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("recv")
	require.NoError(t, err)
	require.Equal(t, DirectionRecv, d)
	require.Equal(t, "recv", d.String())

	_, err = ParseDirection("sideways")
	require.ErrorIs(t, err, ErrBadRequest)
}
