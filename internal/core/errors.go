package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by a room wraps exactly one of these.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrEngineFailure  = errors.New("media engine failure")
	ErrStateViolation = errors.New("state violation")
	ErrBadRequest     = errors.New("bad request")
)

var (
	ErrRoomNotFound      = fmt.Errorf("%w: channel not found", ErrNotFound)
	ErrSessionNotFound   = fmt.Errorf("%w: session not found", ErrNotFound)
	ErrProducerNotFound  = fmt.Errorf("%w: producer not found", ErrNotFound)
	ErrConsumerNotFound  = fmt.Errorf("%w: consumer not found", ErrNotFound)
	ErrAlreadyJoined     = fmt.Errorf("%w: already joined", ErrConflict)
	ErrProducerExists    = fmt.Errorf("%w: producer of this kind already active", ErrConflict)
	ErrSelfConsume       = fmt.Errorf("%w: cannot consume own stream", ErrConflict)
	ErrSessionEnding     = fmt.Errorf("%w: session ending", ErrStateViolation)
	ErrInvalidStreamKind = fmt.Errorf("%w: invalid stream kind", ErrBadRequest)
	ErrInvalidDirection  = fmt.Errorf("%w: invalid transport direction", ErrBadRequest)
)

func engineFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEngineFailure, op, err)
}

// Code maps an error to the short code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrEngineFailure):
		return "engine_failure"
	case errors.Is(err, ErrStateViolation):
		return "state_violation"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	}
	return "internal"
}
