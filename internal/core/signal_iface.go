package core

import "errors"

// SessionID identifies one client connection (the client token cookie).
type SessionID string

// Frame is a raw binary payload.
type Frame []byte

var ErrBackpressure = errors.New("signal connection backpressure")

// SignalConnection is the outbound half of a client socket. TrySend never
// blocks: a full queue yields ErrBackpressure. The adapter that opened the
// socket owns Close.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
