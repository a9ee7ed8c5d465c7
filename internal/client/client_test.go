package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/voicerooms/internal/adapters/http"
	"github.com/dkeye/voicerooms/internal/app"
	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/core/coretest"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/mix"
)

type fakePlayer struct {
	mu   sync.Mutex
	gain float64
}

func (p *fakePlayer) SetVolume(g float64) {
	p.mu.Lock()
	p.gain = g
	p.mu.Unlock()
}

func (p *fakePlayer) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

type fakeReceiver struct {
	mu      sync.Mutex
	offers  []string
	players map[string]*fakePlayer
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{players: make(map[string]*fakePlayer)}
}

func (r *fakeReceiver) Answer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	r.mu.Lock()
	r.offers = append(r.offers, offer.SDP)
	r.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (r *fakeReceiver) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (r *fakeReceiver) Player(trackID string) mix.Player { return r.player(trackID) }

func (r *fakeReceiver) player(trackID string) *fakePlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[trackID]
	if !ok {
		p = &fakePlayer{gain: 1}
		r.players[trackID] = p
	}
	return p
}

func (r *fakeReceiver) Offers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

func (r *fakeReceiver) Close() error { return nil }

func newServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	o := orch.New(app.NewRegistry(), app.SimplePolicy{}, 50*time.Millisecond)
	o.Rooms = app.NewRoomManager(core.RoomConfig{
		Engine:          coretest.NewEngine(),
		EngineTimeout:   time.Second,
		OnSessionClosed: o.OnSessionClosed,
		OnEventsDropped: o.OnEventsDropped,
	}, true)

	cfg := &config.Config{Mode: "test", Secret: "test-secret", ReadLimit: 1 << 16, PingPeriod: time.Second}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		o.Shutdown(context.Background())
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func dial(t *testing.T, url, token string, recv Receiver) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, Token: token, AutoConsume: recv != nil, Receiver: recv})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialLearnsIdentity(t *testing.T) {
	url := newServer(t)
	c := dial(t, url, "alice", nil)
	assert.Equal(t, domain.UserID("alice"), c.Self())

	ctx := testCtx(t)
	require.NoError(t, c.Rename(ctx, "Alice"))
	who, err := c.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", who.Username)
	assert.Empty(t, who.Channel)

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Positive(t, rtt)
}

func TestRequestErrors(t *testing.T) {
	url := newServer(t)
	c := dial(t, url, "alice", nil)
	ctx := testCtx(t)

	_, err := c.Produce(ctx, domain.StreamAudio, domain.MediaParameters{})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "not_found", e.Code)

	_, err = c.Join(ctx, domain.ChannelID(strings.Repeat("x", 100)), "")
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "bad_request", e.Code)
	assert.Empty(t, c.Streams().Channel())
}

func TestAutoConsumeFollowsRoomEvents(t *testing.T) {
	url := newServer(t)
	recv := newFakeReceiver()
	alice := dial(t, url, "alice", recv)
	bob := dial(t, url, "bob", nil)
	ctx := testCtx(t)

	_, err := alice.Join(ctx, "lobby", "Alice")
	require.NoError(t, err)
	_, err = bob.Join(ctx, "lobby", "Bob")
	require.NoError(t, err)

	// volume set before the stream exists is applied once it is consumed
	alice.Mix.SetVolume(mix.UserKey("bob"), 30)

	_, err = bob.Produce(ctx, domain.StreamAudio, domain.MediaParameters{})
	require.NoError(t, err)

	bobAudio := domain.RemoteStreamRef{UserID: "bob", Kind: domain.StreamAudio}
	require.Eventually(t, func() bool {
		_, ok := alice.Streams().Consumer(bobAudio)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return recv.Offers() == 1 }, 2*time.Second, 10*time.Millisecond)

	consumerID, _ := alice.Streams().Consumer(bobAudio)
	require.Eventually(t, func() bool {
		return recv.player(consumerID).Gain() == 0.3
	}, 2*time.Second, 10*time.Millisecond)

	alice.Mix.ToggleMute(mix.UserKey("bob"))
	assert.Zero(t, recv.player(consumerID).Gain())
	alice.Mix.ToggleMute(mix.UserKey("bob"))
	assert.Equal(t, 0.3, recv.player(consumerID).Gain())

	require.NoError(t, bob.CloseProducer(ctx, domain.StreamAudio))
	require.Eventually(t, func() bool {
		_, ok := alice.Streams().Consumer(bobAudio)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = bob.Produce(ctx, domain.StreamVideo, domain.MediaParameters{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.Streams().Refs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Leave(ctx))
	require.Eventually(t, func() bool { return len(alice.Streams().Refs()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestJoinConsumesSnapshot(t *testing.T) {
	url := newServer(t)
	bob := dial(t, url, "bob", nil)
	ctx := testCtx(t)

	_, err := bob.Join(ctx, "lobby", "")
	require.NoError(t, err)
	_, err = bob.Produce(ctx, domain.StreamAudio, domain.MediaParameters{})
	require.NoError(t, err)
	_, err = bob.Produce(ctx, domain.StreamScreen, domain.MediaParameters{})
	require.NoError(t, err)

	recv := newFakeReceiver()
	carol := dial(t, url, "carol", recv)
	j, err := carol.Join(ctx, "lobby", "")
	require.NoError(t, err)
	assert.Len(t, j.Snapshot.Participants, 2)

	assert.Equal(t, []domain.RemoteStreamRef{
		{UserID: "bob", Kind: domain.StreamAudio},
		{UserID: "bob", Kind: domain.StreamScreen},
	}, carol.Streams().Refs())

	require.NoError(t, carol.CloseConsumer(ctx, "bob", domain.StreamScreen))
	assert.Len(t, carol.Streams().Refs(), 1)
}

func TestManualConsumeAndStats(t *testing.T) {
	url := newServer(t)
	alice := dial(t, url, "alice", nil)
	bob := dial(t, url, "bob", nil)
	ctx := testCtx(t)

	_, err := alice.Join(ctx, "lobby", "")
	require.NoError(t, err)
	_, err = bob.Join(ctx, "lobby", "")
	require.NoError(t, err)
	_, err = bob.Produce(ctx, domain.StreamAudio, domain.MediaParameters{})
	require.NoError(t, err)

	require.NoError(t, alice.Consume(ctx, "bob", domain.StreamAudio))
	_, ok := alice.Streams().Consumer(domain.RemoteStreamRef{UserID: "bob", Kind: domain.StreamAudio})
	assert.True(t, ok)

	err = alice.Consume(ctx, "alice", domain.StreamAudio)
	var e *Error
	require.ErrorAs(t, err, &e)

	_, err = alice.Stats(ctx, true)
	require.NoError(t, err)
}

func TestNotificationsAndClose(t *testing.T) {
	url := newServer(t)
	alice := dial(t, url, "alice", nil)
	bob := dial(t, url, "bob", nil)
	ctx := testCtx(t)

	_, err := alice.Join(ctx, "lobby", "")
	require.NoError(t, err)
	_, err = bob.Join(ctx, "lobby", "")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case n := <-alice.Notifications():
			seen = n.Type == "member_joined"
		case <-deadline:
			t.Fatal("no member_joined push")
		}
	}

	bob.Close()
	<-bob.Done()
	_, err = bob.WhoAmI(ctx)
	assert.Error(t, err)
}
