package client

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/mix"
)

// Receiver is the client end of the receive transport.
type Receiver interface {
	// Answer applies a server offer and returns the local answer.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	// Player returns the playback sink of a consumer's track.
	Player(trackID string) mix.Player
	Close() error
}

// Sink counts what one remote track delivers and holds its playback gain.
type Sink struct {
	gain    atomic.Uint64
	bytes   atomic.Uint64
	packets atomic.Uint64
}

func newSink() *Sink {
	s := &Sink{}
	s.SetVolume(1)
	return s
}

func (s *Sink) SetVolume(gain float64) { s.gain.Store(math.Float64bits(gain)) }
func (s *Sink) Gain() float64          { return math.Float64frombits(s.gain.Load()) }
func (s *Sink) Bytes() uint64          { return s.bytes.Load() }
func (s *Sink) Packets() uint64        { return s.packets.Load() }

// PionReceiver is a receive-only PeerConnection. Every incoming track is
// drained into a Sink.
type PionReceiver struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	sinks map[string]*Sink
}

var _ Receiver = (*PionReceiver)(nil)

func NewPionReceiver(iceServers []webrtc.ICEServer) (*PionReceiver, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	r := &PionReceiver{pc: pc, sinks: make(map[string]*Sink)}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().
			Str("module", "client").
			Str("track_id", track.ID()).
			Str("kind", track.Kind().String()).
			Msg("remote track")
		sink := r.sink(track.ID())
		go func() {
			for {
				pkt, _, err := track.ReadRTP()
				if err != nil {
					return
				}
				sink.packets.Add(1)
				sink.bytes.Add(uint64(len(pkt.Payload)))
			}
		}()
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "client").Str("peer_connection_state", s.String()).Msg("recv peer state")
	})
	return r, nil
}

func (r *PionReceiver) sink(trackID string) *Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[trackID]
	if !ok {
		s = newSink()
		r.sinks[trackID] = s
	}
	return s
}

func (r *PionReceiver) Player(trackID string) mix.Player { return r.sink(trackID) }

// Sink returns the sink of trackID if its track has been seen or addressed.
func (r *PionReceiver) Sink(trackID string) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[trackID]
	return s, ok
}

func (r *PionReceiver) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := r.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set remote description")
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create answer")
	}
	gatherComplete := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *r.pc.LocalDescription(), nil
}

func (r *PionReceiver) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return errors.Wrap(r.pc.AddICECandidate(ci), "add ice candidate")
}

func (r *PionReceiver) Close() error {
	return errors.Wrap(r.pc.Close(), "close peer connection")
}
