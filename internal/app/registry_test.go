package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

type nopSignal struct{ name string }

func (*nopSignal) TrySend(core.Frame) error { return nil }
func (*nopSignal) Close()                   {}

func TestRegistryRoomAssociation(t *testing.T) {
	r := NewRegistry()
	u := r.GetOrCreateUser("sid-1")
	require.Same(t, u, r.GetOrCreateUser("sid-1"))
	assert.Equal(t, domain.UserID("sid-1"), u.ID)

	sig := &nopSignal{}
	r.BindSignal("sid-1", sig, nil)
	_, ok := r.RoomOf("sid-1")
	assert.False(t, ok)

	require.True(t, r.UpdateRoom("sid-1", "lobby"))
	ch, ok := r.RoomOf("sid-1")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("lobby"), ch)
	assert.Len(t, r.MembersOfRoom("lobby"), 1)

	assert.False(t, r.RemoveRoom("sid-1", "elsewhere"))
	assert.True(t, r.RemoveRoom("sid-1", "lobby"))
	assert.Empty(t, r.MembersOfRoom("lobby"))
}

func TestRegistryNewestSocketWins(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreateUser("sid-1")

	oldCtx, cancel := context.WithCancel(context.Background())
	first, second := &nopSignal{name: "first"}, &nopSignal{name: "second"}
	r.BindSignal("sid-1", first, cancel)
	r.BindSignal("sid-1", second, nil)

	require.Error(t, oldCtx.Err(), "replaced socket must be cancelled")
	assert.False(t, r.Unbind("sid-1", first))
	got, ok := r.Signal("sid-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.True(t, r.Unbind("sid-1", second))
}

func TestRegistryKickLookup(t *testing.T) {
	r := NewRegistry()
	u := r.GetOrCreateUser("sid-1")
	ctx, cancel := context.WithCancel(context.Background())
	r.BindSignal("sid-1", &nopSignal{}, cancel)

	sids := r.SessionsOfUser(u.ID)
	require.Equal(t, []core.SessionID{"sid-1"}, sids)
	require.True(t, r.Cancel("sid-1"))
	require.Error(t, ctx.Err())
	require.False(t, r.Cancel("sid-2"))

	r.Ban(u.ID, "spam")
	reason, banned := r.Banned(u.ID)
	require.True(t, banned)
	assert.Equal(t, "spam", reason)
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreateUser("sid-1")
	require.NoError(t, r.UpdateUsername("sid-1", "alice"))
	u, _ := r.User("sid-1")
	assert.Equal(t, "alice", u.Username)

	require.ErrorIs(t, r.UpdateUsername("sid-1", ""), domain.ErrUsernameEmpty)
	require.ErrorIs(t, r.UpdateUsername("nobody", "x"), core.ErrNotFound)
}

func TestPolicies(t *testing.T) {
	topic := signalbus.NewBus().Open("lobby")
	sub := topic.Subscribe("u1", 1)
	defer sub.Cancel()

	assert.Equal(t, KickMember, SimplePolicy{}.OnBackPressure(nil, sub))

	p := TolerantPolicy{Limit: 1}
	topic.Publish(signalbus.RoomClosedEvent("lobby", "x"))
	topic.Publish(signalbus.RoomClosedEvent("lobby", "x"))
	assert.Equal(t, MarkSlow, p.OnBackPressure(nil, sub))
	topic.Publish(signalbus.RoomClosedEvent("lobby", "x"))
	assert.Equal(t, KickMember, p.OnBackPressure(nil, sub))
}

func TestNewPolicyFromSetting(t *testing.T) {
	p, err := NewPolicy("", 0)
	require.NoError(t, err)
	assert.Equal(t, SimplePolicy{}, p)

	p, err = NewPolicy("kick", 0)
	require.NoError(t, err)
	assert.Equal(t, SimplePolicy{}, p)

	p, err = NewPolicy("tolerant", 8)
	require.NoError(t, err)
	assert.Equal(t, TolerantPolicy{Limit: 8}, p)

	_, err = NewPolicy("ignore", 0)
	require.Error(t, err)
}
