package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

type LeaveReason string

const (
	LeaveVoluntary       LeaveReason = "leave"
	LeaveDisconnected    LeaveReason = "disconnected"
	LeaveKicked          LeaveReason = "kicked"
	LeaveBanned          LeaveReason = "banned"
	LeaveTransportFailed LeaveReason = "transport_failed"
	LeaveRoomClosed      LeaveReason = "room_closed"
	LeaveSlowConsumer    LeaveReason = "slow_consumer"
)

// ParticipantInfo is a read-only view for APIs (no transport fields).
type ParticipantInfo struct {
	UserID    domain.UserID       `json:"userId"`
	Username  string              `json:"username"`
	State     string              `json:"state"`
	Producers []domain.StreamKind `json:"producers"`
	JoinedAt  time.Time           `json:"joinedAt"`
}

// RoomSnapshot is the full room state at one point of the op sequence.
type RoomSnapshot struct {
	ChannelID    domain.ChannelID  `json:"channelId"`
	Participants []ParticipantInfo `json:"participants"`
}

type JoinResult struct {
	Session         *ParticipantSession
	SendTransport   TransportParams
	RecvTransport   TransportParams
	RtpCapabilities domain.RtpCapabilities
	// Snapshot already contains every producer active when the join completed;
	// Events carries everything after it.
	Snapshot RoomSnapshot
	Events   *signalbus.Subscription
}

type ProducerInfo struct {
	ID   string            `json:"id"`
	Kind domain.StreamKind `json:"kind"`
}

type ConsumerInfo struct {
	ID           string                 `json:"id"`
	ProducerID   string                 `json:"producerId"`
	RemoteUserID domain.UserID          `json:"remoteUserId"`
	Kind         domain.StreamKind      `json:"kind"`
	Parameters   domain.MediaParameters `json:"parameters"`
}

type RoomInfo struct {
	ChannelID   domain.ChannelID `json:"channelId"`
	MemberCount int              `json:"memberCount"`
}

// RoomService is the voice room for one channel. Every mutating call is
// serialised through the room's own queue.
type RoomService interface {
	ChannelID() domain.ChannelID
	MemberCount() int
	Snapshot() RoomSnapshot
	Session(userID domain.UserID) (*ParticipantSession, bool)
	Closed() bool
	Done() <-chan struct{}

	Join(ctx context.Context, user *domain.User) (*JoinResult, error)
	Leave(ctx context.Context, userID domain.UserID, reason LeaveReason) error
	Produce(ctx context.Context, userID domain.UserID, kind domain.StreamKind, params domain.MediaParameters) (ProducerInfo, error)
	CloseProducer(ctx context.Context, userID domain.UserID, kind domain.StreamKind) error
	Consume(ctx context.Context, userID, remoteUserID domain.UserID, kind domain.StreamKind, caps domain.RtpCapabilities) (ConsumerInfo, error)
	CloseConsumer(ctx context.Context, userID, remoteUserID domain.UserID, kind domain.StreamKind) error
	Negotiate(ctx context.Context, userID domain.UserID, dir Direction, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AddICECandidate(ctx context.Context, userID domain.UserID, dir Direction, cand webrtc.ICECandidateInit) error

	// Destroy closes every session and publishes the room teardown signal.
	Destroy(ctx context.Context, reason string) error
	// CloseIfEmpty closes the room only if nobody is in it.
	CloseIfEmpty(ctx context.Context) (bool, error)
}

// RoomManager is the process-wide table of live rooms.
type RoomManager interface {
	GetOrCreate(channelID domain.ChannelID) RoomService
	Find(channelID domain.ChannelID) (RoomService, bool)
	Destroy(ctx context.Context, channelID domain.ChannelID, reason string) error
	ReleaseIfEmpty(ctx context.Context, room RoomService) bool
	List() []RoomInfo
	DrainAll(ctx context.Context)
}

type RoomConfig struct {
	Engine        MediaEngine
	Bus           *signalbus.Bus
	EngineTimeout time.Duration
	EventBuffer   int

	// OnSessionClosed runs inside the room op that ended the session; it must
	// not call back into the room synchronously.
	OnSessionClosed func(room RoomService, userID domain.UserID, reason LeaveReason)
	// OnEventsDropped receives subscribers that could not keep up.
	OnEventsDropped func(room RoomService, dropped []*signalbus.Subscription)
}
