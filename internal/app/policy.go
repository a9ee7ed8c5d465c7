package app

import (
	"fmt"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropEvent
)

// Policy decides what happens to a member whose event queue overflowed.
type Policy interface {
	OnBackPressure(room core.RoomService, sub *signalbus.Subscription) BackpressureAction
}

// SimplePolicy disconnects slow members; they resync from the join snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.RoomService, *signalbus.Subscription) BackpressureAction {
	return KickMember
}

// TolerantPolicy lets a member lose up to Limit events before kicking it.
type TolerantPolicy struct {
	Limit int64
}

func (p TolerantPolicy) OnBackPressure(_ core.RoomService, sub *signalbus.Subscription) BackpressureAction {
	if sub.Dropped() > p.Limit {
		return KickMember
	}
	return MarkSlow
}

// NewPolicy maps a voice.backpressure setting to a Policy.
func NewPolicy(name string, slowLimit int64) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "tolerant":
		return TolerantPolicy{Limit: slowLimit}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}
