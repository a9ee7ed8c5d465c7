package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicerooms/internal/domain"
)

// Relay is the server side of a producer: it reads RTP from the publisher's
// remote track and copies every packet to each subscribed OutTrack.
// Subscribers may attach before the remote track shows up.
type Relay struct {
	ID      string
	Kind    domain.StreamKind
	TrackID string
	Codec   webrtc.RTPCodecCapability

	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	outTracks map[string]*OutTrack
	cancel    context.CancelFunc
	stopped   bool
}

func NewRelay(id string, kind domain.StreamKind, trackID string, codec webrtc.RTPCodecCapability) *Relay {
	return &Relay{
		ID:        id,
		Kind:      kind,
		TrackID:   trackID,
		Codec:     codec,
		outTracks: make(map[string]*OutTrack),
	}
}

// Attach binds the publisher track and starts forwarding. Only the first
// track is taken.
func (r *Relay) Attach(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) bool {
	r.mu.Lock()
	if r.stopped || r.src != nil {
		r.mu.Unlock()
		return false
	}
	relayCtx, cancel := context.WithCancel(ctx)
	r.src = src
	r.cancel = cancel
	r.mu.Unlock()

	logger.Info().Str("track_id", src.ID()).Msg("starting relay loop")
	go r.loop(relayCtx, src, logger)
	return true
}

func (r *Relay) Src() (*webrtc.TrackRemote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.src, r.src != nil
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		alive, err := ot.Write(pkt)
		if err != nil {
			logger.Error().
				Err(err).
				Str("consumer", consumerID).
				Msg("relay write RTP error, marking outtrack as delete")
		}
		if !alive {
			dirty = append(dirty, consumerID)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// AddOutTrack fails once the relay has been stopped.
func (r *Relay) AddOutTrack(ot *OutTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.outTracks[ot.ConsumerID] = ot
	return true
}

func (r *Relay) OutTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Stop ends forwarding for good.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Relay) Stopped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped
}
