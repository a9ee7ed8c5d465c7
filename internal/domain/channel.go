package domain

import "errors"

const MaxChannelIDLen = 64

var (
	ErrChannelIDEmpty   = errors.New("channel id empty")
	ErrChannelIDTooLong = errors.New("channel id too long")
)

// ChannelID identifies a voice-enabled channel. The voice room for a channel
// shares its identity.
type ChannelID string

func ParseChannelID(raw string) (ChannelID, error) {
	if len(raw) == 0 {
		return "", ErrChannelIDEmpty
	}
	if len(raw) > MaxChannelIDLen {
		return "", ErrChannelIDTooLong
	}
	return ChannelID(raw), nil
}

// Channel is the metadata the channel authority hands over on creation.
type Channel struct {
	ID   ChannelID `json:"id"`
	Name string    `json:"name,omitempty"`
}
