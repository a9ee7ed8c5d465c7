package sfu

import (
	"context"
	"strings"
	"sync"

	fuse "github.com/frostbyte73/core"
	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

var (
	ErrWrongDirection  = errors.New("operation not allowed on this transport direction")
	ErrUnknownProducer = errors.New("unknown producer")
	ErrCodecRejected   = errors.New("consumer cannot receive producer codec")
)

// Transport is one PeerConnection, either carrying a participant's producers
// (send) or the consumers of other participants' producers (recv).
type Transport struct {
	engine    *Engine
	pc        *webrtc.PeerConnection
	id        string
	channelID domain.ChannelID
	userID    domain.UserID
	dir       core.Direction
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed fuse.Fuse

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onClosed  func()
	connected bool
	// send side
	tracks  map[string]*webrtc.TrackRemote
	waiting map[string]*Relay
	// recv side
	outTracks map[string]*OutTrack
}

var _ core.Transport = (*Transport)(nil)

func newTransport(e *Engine, pc *webrtc.PeerConnection, id string, channelID domain.ChannelID, userID domain.UserID, dir core.Direction) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		engine:    e,
		pc:        pc,
		id:        id,
		channelID: channelID,
		userID:    userID,
		dir:       dir,
		closed:    fuse.NewFuse(),
		logger: log.With().
			Str("module", "webrtc").
			Str("channel", string(channelID)).
			Str("user", string(userID)).
			Str("transport", id).
			Str("dir", dir.String()).
			Logger(),
		ctx:       ctx,
		cancel:    cancel,
		tracks:    make(map[string]*webrtc.TrackRemote),
		waiting:   make(map[string]*Relay),
		outTracks: make(map[string]*OutTrack),
	}
}

func (t *Transport) start() {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.markConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.fireClosed()
		}
	})

	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		t.onTrack(track)
	})
}

func (t *Transport) ID() string                { return t.id }
func (t *Transport) Direction() core.Direction { return t.dir }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:         t.id,
		Direction:  t.dir.String(),
		ICEServers: t.engine.cfg.ICEServers,
	}
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

// OnClosed sets application-level callback for cleanup
func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return errors.Wrap(t.pc.AddICECandidate(ci), "add ice candidate")
}

func (t *Transport) Negotiate(ctx context.Context, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if t.closed.IsBroken() {
		return nil, errors.New("transport closed")
	}
	if remote != nil {
		if err := t.pc.SetRemoteDescription(*remote); err != nil {
			return nil, errors.Wrap(err, "set remote description")
		}
		if remote.Type == webrtc.SDPTypeAnswer {
			return nil, nil
		}
	}

	var (
		local webrtc.SessionDescription
		err   error
	)
	if remote == nil {
		local, err = t.pc.CreateOffer(nil)
	} else {
		local, err = t.pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create local description")
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(local); err != nil {
		return nil, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.pc.LocalDescription(), nil
}

func (t *Transport) Produce(_ context.Context, kind domain.StreamKind, params domain.MediaParameters) (core.Producer, error) {
	if t.dir != core.DirectionSend {
		return nil, ErrWrongDirection
	}
	relay := NewRelay(ulid.Make().String(), kind, params.TrackID, t.engine.codecFor(kind, params.Codec))
	t.engine.relays.Register(relay)

	t.mu.Lock()
	src := t.claimTrackLocked(relay)
	if src == nil {
		t.waiting[relay.ID] = relay
	}
	t.mu.Unlock()

	if src != nil {
		t.attach(relay, src)
	}
	return &producer{relay: relay, transport: t}, nil
}

// claimTrackLocked finds an arrived track for relay: by track id when the
// client named one, otherwise the first track of a matching media kind.
func (t *Transport) claimTrackLocked(relay *Relay) *webrtc.TrackRemote {
	if relay.TrackID != "" {
		if tr, ok := t.tracks[relay.TrackID]; ok {
			delete(t.tracks, relay.TrackID)
			return tr
		}
		return nil
	}
	for id, tr := range t.tracks {
		if matchesKind(relay.Kind, tr) {
			delete(t.tracks, id)
			return tr
		}
	}
	return nil
}

func (t *Transport) onTrack(track *webrtc.TrackRemote) {
	t.mu.Lock()
	var match *Relay
	for id, r := range t.waiting {
		if (r.TrackID != "" && r.TrackID == track.ID()) || (r.TrackID == "" && matchesKind(r.Kind, track)) {
			match = r
			delete(t.waiting, id)
			break
		}
	}
	if match == nil {
		t.tracks[track.ID()] = track
	}
	t.mu.Unlock()

	if match != nil {
		t.attach(match, track)
	}
}

func (t *Transport) attach(relay *Relay, src *webrtc.TrackRemote) {
	logger := t.logger.With().Str("module", "relay").Str("producer", relay.ID).Logger()
	relay.Attach(t.ctx, src, &logger)
}

func matchesKind(kind domain.StreamKind, tr *webrtc.TrackRemote) bool {
	if kind == domain.StreamAudio {
		return tr.Kind() == webrtc.RTPCodecTypeAudio
	}
	return tr.Kind() == webrtc.RTPCodecTypeVideo
}

func (t *Transport) Consume(_ context.Context, producerID string, caps domain.RtpCapabilities) (core.Consumer, error) {
	if t.dir != core.DirectionRecv {
		return nil, ErrWrongDirection
	}
	relay, ok := t.engine.relays.Relay(producerID)
	if !ok {
		return nil, ErrUnknownProducer
	}
	if !caps.Supports(relay.Codec.MimeType) {
		return nil, errors.Wrapf(ErrCodecRejected, "%s", relay.Codec.MimeType)
	}

	id := ulid.Make().String()
	local, err := webrtc.NewTrackLocalStaticRTP(relay.Codec, id, relay.ID)
	if err != nil {
		return nil, errors.Wrap(err, "new local track")
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, errors.Wrap(err, "add track")
	}
	go drainRTCP(sender)

	ot, ok := t.engine.relays.AddSubscriber(producerID, id, local)
	if !ok {
		t.removeSender(sender, id)
		return nil, ErrUnknownProducer
	}

	t.mu.Lock()
	if !t.connected {
		ot.MarkMuted()
	}
	t.outTracks[id] = ot
	t.mu.Unlock()

	return &consumer{
		id:        id,
		relay:     relay,
		sender:    sender,
		transport: t,
		track:     local,
	}, nil
}

// drainRTCP keeps the sender's interceptors running until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) markConnected() {
	t.mu.Lock()
	t.connected = true
	outs := make([]*OutTrack, 0, len(t.outTracks))
	for _, ot := range t.outTracks {
		outs = append(outs, ot)
	}
	t.mu.Unlock()
	for _, ot := range outs {
		ot.MarkOk()
	}
}

// removeSender rolls back an AddTrack whose consumer never got registered.
func (t *Transport) removeSender(sender *webrtc.RTPSender, trackID string) {
	if err := t.pc.RemoveTrack(sender); err != nil {
		t.logger.Warn().Err(err).Str("track", trackID).Msg("failed to remove sender")
	}
}

func (t *Transport) GetStats(ctx context.Context) (core.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return core.StatsReport{}, err
	}
	r := parseStats(t.pc.GetStats(), t.dir)
	r.TransportID = t.id
	return r, nil
}

func (t *Transport) fireClosed() {
	t.closed.Break()
	t.mu.Lock()
	fn := t.onClosed
	t.onClosed = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	waiting := make([]string, 0, len(t.waiting))
	for id := range t.waiting {
		waiting = append(waiting, id)
	}
	t.waiting = make(map[string]*Relay)
	t.mu.Unlock()
	for _, id := range waiting {
		t.engine.relays.StopRelay(id)
	}

	var err error
	if t.pc != nil {
		err = t.pc.Close()
		if err != nil {
			t.logger.Error().Err(err).Msg("close error")
		} else {
			t.logger.Info().Msg("closed")
		}
	}
	t.fireClosed()
	return errors.Wrap(err, "close peer connection")
}

type producer struct {
	relay     *Relay
	transport *Transport
}

func (p *producer) ID() string              { return p.relay.ID }
func (p *producer) Kind() domain.StreamKind { return p.relay.Kind }

func (p *producer) Close() error {
	p.transport.mu.Lock()
	delete(p.transport.waiting, p.relay.ID)
	p.transport.mu.Unlock()
	p.transport.engine.relays.StopRelay(p.relay.ID)
	return nil
}

type consumer struct {
	id        string
	relay     *Relay
	sender    *webrtc.RTPSender
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
}

func (c *consumer) ID() string              { return c.id }
func (c *consumer) ProducerID() string      { return c.relay.ID }
func (c *consumer) Kind() domain.StreamKind { return c.relay.Kind }

func (c *consumer) Parameters() domain.MediaParameters {
	return domain.MediaParameters{
		TrackID:  c.track.ID(),
		StreamID: c.track.StreamID(),
		Codec: domain.RtpCodec{
			MimeType:    c.relay.Codec.MimeType,
			ClockRate:   c.relay.Codec.ClockRate,
			Channels:    c.relay.Codec.Channels,
			SDPFmtpLine: c.relay.Codec.SDPFmtpLine,
		},
	}
}

func (c *consumer) Close() error {
	c.transport.engine.relays.MarkSubscriberDelete(c.relay.ID, c.id)
	c.transport.mu.Lock()
	if ot, ok := c.transport.outTracks[c.id]; ok {
		ot.MarkDelete()
		delete(c.transport.outTracks, c.id)
	}
	c.transport.mu.Unlock()

	if c.transport.closed.IsBroken() {
		return nil
	}
	err := c.transport.pc.RemoveTrack(c.sender)
	if err != nil && strings.Contains(err.Error(), "closed") {
		return nil
	}
	return errors.Wrap(err, "remove track")
}
