package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/core/coretest"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

const testChannel = domain.ChannelID("general")

type roomFixture struct {
	engine *coretest.Engine
	bus    *signalbus.Bus
	room   core.RoomService

	mu     sync.Mutex
	closed []domain.UserID
}

func newRoom(t *testing.T) *roomFixture {
	t.Helper()
	f := &roomFixture{engine: coretest.NewEngine(), bus: signalbus.NewBus()}
	f.room = core.NewRoomService(testChannel, core.RoomConfig{
		Engine:        f.engine,
		Bus:           f.bus,
		EngineTimeout: time.Second,
		EventBuffer:   16,
		OnSessionClosed: func(_ core.RoomService, userID domain.UserID, _ core.LeaveReason) {
			f.mu.Lock()
			f.closed = append(f.closed, userID)
			f.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = f.room.Destroy(context.Background(), "test done") })
	return f
}

func newUser(t *testing.T, name string) *domain.User {
	t.Helper()
	u, err := domain.NewUser(name)
	require.NoError(t, err)
	return u
}

func (f *roomFixture) join(t *testing.T, name string) (*domain.User, *core.JoinResult) {
	t.Helper()
	u := newUser(t, name)
	res, err := f.room.Join(context.Background(), u)
	require.NoError(t, err)
	return u, res
}

func nextEvent(t *testing.T, sub *signalbus.Subscription) signalbus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return signalbus.Event{}
}

func requireNoEvent(t *testing.T, sub *signalbus.Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
	}
}

func audioParams() domain.MediaParameters {
	return domain.MediaParameters{TrackID: "mic", Codec: domain.RtpCodec{MimeType: "audio/opus", ClockRate: 48000}}
}

func TestJoinProvisionsTransports(t *testing.T) {
	f := newRoom(t)
	u, res := f.join(t, "alice")

	require.Equal(t, core.StateActive, res.Session.State())
	require.Equal(t, "send", res.SendTransport.Direction)
	require.Equal(t, "recv", res.RecvTransport.Direction)
	require.NotEmpty(t, res.RtpCapabilities.Codecs)
	require.Len(t, res.Snapshot.Participants, 1)
	require.Equal(t, u.ID, res.Snapshot.Participants[0].UserID)
	require.EqualValues(t, 2, f.engine.OpenTransports())
	require.Equal(t, 1, f.room.MemberCount())
}

func TestRejoinReturnsExistingSession(t *testing.T) {
	f := newRoom(t)
	u, first := f.join(t, "alice")

	again, err := f.room.Join(context.Background(), u)
	require.ErrorIs(t, err, core.ErrAlreadyJoined)
	require.ErrorIs(t, err, core.ErrConflict)
	require.Same(t, first.Session, again.Session)
	require.Equal(t, first.SendTransport.ID, again.SendTransport.ID)
	require.EqualValues(t, 2, f.engine.OpenTransports())
	require.Equal(t, 1, f.room.MemberCount())
}

func TestJoinRollsBackOnEngineFailure(t *testing.T) {
	f := newRoom(t)
	f.engine.FailRecv.Store(true)

	_, err := f.room.Join(context.Background(), newUser(t, "alice"))
	require.ErrorIs(t, err, core.ErrEngineFailure)
	require.Equal(t, "engine_failure", core.Code(err))
	require.Zero(t, f.room.MemberCount())
	require.Zero(t, f.engine.OpenTransports())
}

func TestJoinTimeoutIsEngineFailure(t *testing.T) {
	engine := coretest.NewEngine()
	engine.Delay = 200 * time.Millisecond
	room := core.NewRoomService(testChannel, core.RoomConfig{Engine: engine, EngineTimeout: 20 * time.Millisecond})
	defer room.Destroy(context.Background(), "done")

	_, err := room.Join(context.Background(), newUser(t, "alice"))
	require.ErrorIs(t, err, core.ErrEngineFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, room.MemberCount())
	require.Zero(t, engine.OpenTransports())
}

func TestSecondProducerOfSameKindConflicts(t *testing.T) {
	f := newRoom(t)
	u, _ := f.join(t, "alice")

	_, err := f.room.Produce(context.Background(), u.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)
	_, err = f.room.Produce(context.Background(), u.ID, domain.StreamAudio, audioParams())
	require.ErrorIs(t, err, core.ErrProducerExists)

	s, ok := f.room.Session(u.ID)
	require.True(t, ok)
	require.Equal(t, []domain.StreamKind{domain.StreamAudio}, s.ProducerKinds())
	require.EqualValues(t, 1, f.engine.OpenProducers())
}

func TestConcurrentProduceSingleWinner(t *testing.T) {
	f := newRoom(t)
	u, _ := f.join(t, "alice")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.room.Produce(context.Background(), u.ID, domain.StreamAudio, audioParams())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, core.ErrConflict)
		}
	}
	require.Equal(t, 1, ok)
	require.EqualValues(t, 1, f.engine.OpenProducers())
}

func TestProduceWithoutSession(t *testing.T) {
	f := newRoom(t)
	_, err := f.room.Produce(context.Background(), "ghost", domain.StreamAudio, audioParams())
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	u, _ := f.join(t, "alice")
	_, err = f.room.Produce(context.Background(), u.ID, domain.StreamKind("smell"), audioParams())
	require.ErrorIs(t, err, core.ErrBadRequest)
}

func TestNewProducerEventSkipsOrigin(t *testing.T) {
	f := newRoom(t)
	a, ra := f.join(t, "alice")
	_, rb := f.join(t, "bob")

	_, err := f.room.Produce(context.Background(), a.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)

	ev := nextEvent(t, rb.Events)
	require.Equal(t, signalbus.EventNewProducer, ev.Type)
	require.Equal(t, a.ID, ev.RemoteUserID)
	require.Equal(t, domain.StreamAudio, ev.Kind)
	require.Equal(t, testChannel, ev.ChannelID)
	require.NotNil(t, ev.RtpCapabilities)
	requireNoEvent(t, ra.Events)
}

func TestSnapshotCarriesActiveProducers(t *testing.T) {
	f := newRoom(t)
	a, _ := f.join(t, "alice")
	_, err := f.room.Produce(context.Background(), a.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)

	_, rb := f.join(t, "bob")
	require.Len(t, rb.Snapshot.Participants, 2)
	require.Equal(t, []domain.StreamKind{domain.StreamAudio}, rb.Snapshot.Participants[0].Producers)
	// the producer predates bob, so no delta for it
	requireNoEvent(t, rb.Events)
}

func TestConsumeAndIdempotence(t *testing.T) {
	f := newRoom(t)
	a, _ := f.join(t, "alice")
	b, _ := f.join(t, "bob")

	_, err := f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.ErrorIs(t, err, core.ErrProducerNotFound)

	p, err := f.room.Produce(context.Background(), b.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)

	c1, err := f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.NoError(t, err)
	require.Equal(t, p.ID, c1.ProducerID)
	require.Equal(t, b.ID, c1.RemoteUserID)

	c2, err := f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.EqualValues(t, 1, f.engine.OpenConsumers())

	_, err = f.room.Consume(context.Background(), a.ID, a.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.ErrorIs(t, err, core.ErrSelfConsume)
}

func TestConsumeFailureLeavesNoConsumer(t *testing.T) {
	f := newRoom(t)
	a, _ := f.join(t, "alice")
	b, _ := f.join(t, "bob")
	_, err := f.room.Produce(context.Background(), b.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)

	f.engine.FailConsume.Store(true)
	_, err = f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.ErrorIs(t, err, core.ErrEngineFailure)

	s, _ := f.room.Session(a.ID)
	require.Empty(t, s.ConsumerRefs())
	require.Zero(t, f.engine.OpenConsumers())
}

func TestLeaveTearsDownRemoteConsumers(t *testing.T) {
	f := newRoom(t)
	a, ra := f.join(t, "alice")
	b, _ := f.join(t, "bob")

	_, err := f.room.Produce(context.Background(), b.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)
	require.Equal(t, signalbus.EventNewProducer, nextEvent(t, ra.Events).Type)

	_, err = f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.NoError(t, err)

	require.NoError(t, f.room.Leave(context.Background(), b.ID, core.LeaveVoluntary))

	ev := nextEvent(t, ra.Events)
	require.Equal(t, signalbus.EventParticipantLeft, ev.Type)
	require.Equal(t, b.ID, ev.RemoteUserID)
	require.Equal(t, string(core.LeaveVoluntary), ev.Reason)

	sa, _ := f.room.Session(a.ID)
	_, ok := sa.Consumer(domain.RemoteStreamRef{UserID: b.ID, Kind: domain.StreamAudio})
	require.False(t, ok)
	_, ok = f.room.Session(b.ID)
	require.False(t, ok)

	require.Zero(t, f.engine.OpenConsumers())
	require.Zero(t, f.engine.OpenProducers())
	require.EqualValues(t, 2, f.engine.OpenTransports())

	f.mu.Lock()
	require.Equal(t, []domain.UserID{b.ID}, f.closed)
	f.mu.Unlock()

	require.ErrorIs(t, f.room.Leave(context.Background(), b.ID, core.LeaveVoluntary), core.ErrSessionNotFound)
}

func TestCloseProducer(t *testing.T) {
	f := newRoom(t)
	a, ra := f.join(t, "alice")
	b, _ := f.join(t, "bob")

	_, err := f.room.Produce(context.Background(), b.ID, domain.StreamVideo, audioParams())
	require.NoError(t, err)
	nextEvent(t, ra.Events)
	_, err = f.room.Consume(context.Background(), a.ID, b.ID, domain.StreamVideo, domain.RtpCapabilities{})
	require.NoError(t, err)

	require.NoError(t, f.room.CloseProducer(context.Background(), b.ID, domain.StreamVideo))
	ev := nextEvent(t, ra.Events)
	require.Equal(t, signalbus.EventProducerClosed, ev.Type)
	require.Equal(t, domain.StreamVideo, ev.Kind)
	require.Zero(t, f.engine.OpenConsumers())
	require.Zero(t, f.engine.OpenProducers())

	err = f.room.CloseProducer(context.Background(), b.ID, domain.StreamVideo)
	require.ErrorIs(t, err, core.ErrProducerNotFound)
	requireNoEvent(t, ra.Events)
}

func TestProduceCloseOrdering(t *testing.T) {
	f := newRoom(t)
	a, _ := f.join(t, "alice")
	_, rb := f.join(t, "bob")

	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.room.Produce(context.Background(), a.ID, domain.StreamAudio, audioParams())
		}()
		go func() {
			defer wg.Done()
			_ = f.room.CloseProducer(context.Background(), a.ID, domain.StreamAudio)
		}()
		wg.Wait()
		_ = f.room.CloseProducer(context.Background(), a.ID, domain.StreamAudio)
	}

	open := false
	for {
		select {
		case ev := <-rb.Events.C():
			switch ev.Type {
			case signalbus.EventNewProducer:
				require.False(t, open, "new_producer while already open")
				open = true
			case signalbus.EventProducerClosed:
				require.True(t, open, "producer_closed without new_producer")
				open = false
			}
		default:
			require.False(t, open)
			return
		}
	}
}

func TestLeaveClosesSession(t *testing.T) {
	f := newRoom(t)
	u, res := f.join(t, "alice")

	require.NoError(t, f.room.Leave(context.Background(), u.ID, core.LeaveKicked))
	require.Equal(t, core.StateClosed, res.Session.State())
	require.Zero(t, f.engine.OpenTransports())

	_, err := f.room.Produce(context.Background(), u.ID, domain.StreamAudio, audioParams())
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransportFailureEndsSession(t *testing.T) {
	f := newRoom(t)
	a, _ := f.join(t, "alice")
	_, rb := f.join(t, "bob")

	var send *coretest.Transport
	for _, tr := range f.engine.Transports() {
		if tr.UserID() == a.ID && tr.Direction() == core.DirectionSend {
			send = tr
		}
	}
	require.NotNil(t, send)
	send.Fail()

	ev := nextEvent(t, rb.Events)
	require.Equal(t, signalbus.EventParticipantLeft, ev.Type)
	require.Equal(t, string(core.LeaveTransportFailed), ev.Reason)
	require.Eventually(t, func() bool { return f.room.MemberCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDestroyReleasesEverything(t *testing.T) {
	f := newRoom(t)
	a, ra := f.join(t, "alice")
	b, rb := f.join(t, "bob")
	_, err := f.room.Produce(context.Background(), a.ID, domain.StreamAudio, audioParams())
	require.NoError(t, err)
	nextEvent(t, rb.Events)
	_, err = f.room.Consume(context.Background(), b.ID, a.ID, domain.StreamAudio, domain.RtpCapabilities{})
	require.NoError(t, err)

	require.NoError(t, f.room.Destroy(context.Background(), "channel deleted"))

	for _, sub := range []*signalbus.Subscription{ra.Events, rb.Events} {
		ev := nextEvent(t, sub)
		require.Equal(t, signalbus.EventRoomClosed, ev.Type)
		require.Equal(t, "channel deleted", ev.Reason)
		_, ok := <-sub.C()
		require.False(t, ok)
	}

	require.True(t, f.room.Closed())
	require.Zero(t, f.room.MemberCount())
	require.Zero(t, f.engine.OpenTransports())
	require.Zero(t, f.engine.OpenProducers())
	require.Zero(t, f.engine.OpenConsumers())
	require.Empty(t, f.bus.Subscribers(testChannel))

	_, err = f.room.Join(context.Background(), newUser(t, "carol"))
	require.ErrorIs(t, err, core.ErrRoomNotFound)
	require.ErrorIs(t, f.room.Destroy(context.Background(), "again"), core.ErrRoomNotFound)
}

func TestCloseIfEmpty(t *testing.T) {
	f := newRoom(t)
	u, _ := f.join(t, "alice")

	closed, err := f.room.CloseIfEmpty(context.Background())
	require.NoError(t, err)
	require.False(t, closed)

	require.NoError(t, f.room.Leave(context.Background(), u.ID, core.LeaveVoluntary))
	closed, err = f.room.CloseIfEmpty(context.Background())
	require.NoError(t, err)
	require.True(t, closed)
	require.True(t, f.room.Closed())

	select {
	case <-f.room.Done():
	default:
		t.Fatal("done not signalled")
	}
}

func TestNegotiateRoutesByDirection(t *testing.T) {
	f := newRoom(t)
	u, res := f.join(t, "alice")

	offer, err := f.room.Negotiate(context.Background(), u.ID, core.DirectionRecv, nil)
	require.NoError(t, err)
	require.Equal(t, "offer:"+res.RecvTransport.ID, offer.SDP)

	remote := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "client offer"}
	answer, err := f.room.Negotiate(context.Background(), u.ID, core.DirectionSend, remote)
	require.NoError(t, err)
	require.Equal(t, "answer:"+res.SendTransport.ID, answer.SDP)
}

func TestRoomWithMinimalConfig(t *testing.T) {
	room := core.NewRoomService("general", core.RoomConfig{Engine: coretest.NewEngine()})
	require.False(t, room.Closed())
	select {
	case <-room.Done():
		t.Fatal("fresh room reports done")
	default:
	}

	res, err := room.Join(context.Background(), newUser(t, "alice"))
	require.NoError(t, err)
	require.Equal(t, 1, room.MemberCount())

	require.NoError(t, room.Destroy(context.Background(), "test done"))
	require.True(t, room.Closed())
	<-room.Done()
	require.Equal(t, signalbus.EventRoomClosed, nextEvent(t, res.Events).Type)
	_, ok := <-res.Events.C()
	require.False(t, ok)
}
