package sfu

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/core"
)

// parseStats folds a pion report into one transport sample. Server-side
// inbound RTP on a send transport is what the participant sent; server-side
// outbound RTP on a recv transport is what the participant received.
func parseStats(report webrtc.StatsReport, dir core.Direction) core.StatsReport {
	out := core.StatsReport{Timestamp: time.Now()}
	var jitters []float64

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if dir != core.DirectionSend {
				continue
			}
			out.BytesSent += st.BytesReceived
			out.PacketsSent += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
			jitters = append(jitters, st.Jitter)
		case webrtc.OutboundRTPStreamStats:
			if dir != core.DirectionRecv {
				continue
			}
			out.BytesReceived += st.BytesSent
			out.PacketsReceived += uint64(st.PacketsSent)
		case webrtc.RemoteInboundRTPStreamStats:
			if dir != core.DirectionRecv {
				continue
			}
			out.PacketsLost += int64(st.PacketsLost)
			jitters = append(jitters, st.Jitter)
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				out.RTT = st.CurrentRoundTripTime * 1000
			}
		}
	}

	if len(jitters) > 0 {
		var sum float64
		for _, j := range jitters {
			sum += j
		}
		out.Jitter = sum / float64(len(jitters))
	}
	return out
}
