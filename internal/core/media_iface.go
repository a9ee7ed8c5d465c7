package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/domain"
)

// Direction tells which way media flows on a transport, seen from the client.
type Direction int

const (
	// DirectionSend carries the participant's producers.
	DirectionSend Direction = iota
	// DirectionRecv carries consumers of other participants' producers.
	DirectionRecv
)

func (d Direction) String() string {
	if d == DirectionRecv {
		return "recv"
	}
	return "send"
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "send":
		return DirectionSend, nil
	case "recv":
		return DirectionRecv, nil
	}
	return 0, ErrInvalidDirection
}

// TransportParams is handed to the client so it can connect the transport.
type TransportParams struct {
	ID         string             `json:"id"`
	Direction  string             `json:"direction"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// StatsReport is a transport-level sample seen from the participant: on a send
// transport BytesSent is what the participant pushed to the server. Counters
// are cumulative for the lifetime of the transport.
type StatsReport struct {
	TransportID     string    `json:"transportId"`
	BytesSent       uint64    `json:"bytesSent"`
	BytesReceived   uint64    `json:"bytesReceived"`
	PacketsSent     uint64    `json:"packetsSent"`
	PacketsReceived uint64    `json:"packetsReceived"`
	PacketsLost     int64     `json:"packetsLost"`
	RTT             float64   `json:"rtt"`
	Jitter          float64   `json:"jitter"`
	Timestamp       time.Time `json:"timestamp"`
}

// MediaEngine is the selective forwarding unit the coordinator drives.
type MediaEngine interface {
	// RtpCapabilities returns the router capabilities announced to consumers.
	RtpCapabilities() domain.RtpCapabilities
	CreateTransport(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, dir Direction) (Transport, error)
}

type Transport interface {
	ID() string
	Direction() Direction
	Params() TransportParams
	// Negotiate applies a remote description. A nil remote asks the transport
	// for a fresh local offer; an offer yields an answer; an answer yields nil.
	Negotiate(ctx context.Context, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	Produce(ctx context.Context, kind domain.StreamKind, params domain.MediaParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities) (Consumer, error)
	GetStats(ctx context.Context) (StatsReport, error)
	// OnClosed sets a callback fired once the transport is gone, whoever closed it.
	OnClosed(func())
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.StreamKind
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.StreamKind
	Parameters() domain.MediaParameters
	Close() error
}
