package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	// TrackStateOk forwards packets.
	TrackStateOk TrackState = iota
	// TrackStateMuted drops packets until the consumer's transport connects.
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	}
	return "delete"
}

// OutTrack is one consumer's copy of a relayed stream.
type OutTrack struct {
	ConsumerID string
	Track      *webrtc.TrackLocalStaticRTP

	state     atomic.Int32
	forwarded atomic.Uint64
}

func NewOutTrack(consumerID string, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{ConsumerID: consumerID, Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// Forwarded counts packets written to the consumer.
func (ot *OutTrack) Forwarded() uint64 { return ot.forwarded.Load() }

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Write forwards pkt when the track is live. It reports false once the track
// is deleted, including when the write itself fails.
func (ot *OutTrack) Write(pkt *rtp.Packet) (bool, error) {
	switch ot.GetState() {
	case TrackStateDelete:
		return false, nil
	case TrackStateMuted:
		return true, nil
	}
	if ot.Track == nil {
		return true, nil
	}
	if err := ot.Track.WriteRTP(pkt); err != nil {
		ot.MarkDelete()
		return false, err
	}
	ot.forwarded.Add(1)
	return true, nil
}
