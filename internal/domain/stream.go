package domain

import "fmt"

// StreamKind classifies a producer or consumer.
type StreamKind string

const (
	StreamAudio  StreamKind = "audio"
	StreamVideo  StreamKind = "video"
	StreamScreen StreamKind = "screen"
)

// StreamKinds lists every kind in a stable order.
var StreamKinds = []StreamKind{StreamAudio, StreamVideo, StreamScreen}

func (k StreamKind) Valid() bool {
	switch k {
	case StreamAudio, StreamVideo, StreamScreen:
		return true
	}
	return false
}

func ParseStreamKind(raw string) (StreamKind, error) {
	k := StreamKind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("unknown stream kind %q", raw)
	}
	return k, nil
}

// RemoteStreamRef is the unit other participants subscribe to.
type RemoteStreamRef struct {
	UserID UserID     `json:"userId"`
	Kind   StreamKind `json:"kind"`
}

func (r RemoteStreamRef) String() string {
	return string(r.UserID) + "/" + string(r.Kind)
}
