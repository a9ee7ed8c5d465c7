// Package signalbus fans room-scoped voice events out to room members.
package signalbus

import "github.com/dkeye/voicerooms/internal/domain"

type EventType string

const (
	EventNewProducer     EventType = "new_producer"
	EventProducerClosed  EventType = "producer_closed"
	EventParticipantLeft EventType = "participant_left"
	EventRoomClosed      EventType = "room_closed"
)

// Event is what every other member of a room is told about.
// Origin is never delivered back to its own subscriber.
type Event struct {
	Type            EventType               `json:"type"`
	ChannelID       domain.ChannelID        `json:"channelId"`
	RemoteUserID    domain.UserID           `json:"remoteUserId,omitempty"`
	Kind            domain.StreamKind       `json:"kind,omitempty"`
	RtpCapabilities *domain.RtpCapabilities `json:"rtpCapabilities,omitempty"`
	Reason          string                  `json:"reason,omitempty"`

	Origin domain.UserID `json:"-"`
}

func NewProducerEvent(ch domain.ChannelID, user domain.UserID, kind domain.StreamKind, caps domain.RtpCapabilities) Event {
	return Event{
		Type:            EventNewProducer,
		ChannelID:       ch,
		RemoteUserID:    user,
		Kind:            kind,
		RtpCapabilities: &caps,
		Origin:          user,
	}
}

func ProducerClosedEvent(ch domain.ChannelID, user domain.UserID, kind domain.StreamKind) Event {
	return Event{
		Type:         EventProducerClosed,
		ChannelID:    ch,
		RemoteUserID: user,
		Kind:         kind,
		Origin:       user,
	}
}

func ParticipantLeftEvent(ch domain.ChannelID, user domain.UserID, reason string) Event {
	return Event{
		Type:         EventParticipantLeft,
		ChannelID:    ch,
		RemoteUserID: user,
		Reason:       reason,
		Origin:       user,
	}
}

func RoomClosedEvent(ch domain.ChannelID, reason string) Event {
	return Event{Type: EventRoomClosed, ChannelID: ch, Reason: reason}
}
