package signalbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/metrics"
)

const DefaultBuffer = 64

// PublishResult reports delivery stats/backpressure to the publisher.
type PublishResult struct {
	SendTo  int
	Dropped []*Subscription
}

// Bus is a process-scoped set of room topics. A channel id may carry more
// than one topic while an old room instance is still shutting down next to
// its replacement; topics never see each other's events.
// Delivery never blocks: a full subscriber loses the event.
type Bus struct {
	mu     sync.RWMutex
	topics map[domain.ChannelID]map[*Topic]struct{}
}

func NewBus() *Bus {
	return &Bus{topics: make(map[domain.ChannelID]map[*Topic]struct{})}
}

// Topic is the event stream of one room instance.
type Topic struct {
	bus       *Bus
	channelID domain.ChannelID
	subs      map[*Subscription]struct{} // guarded by bus.mu
	closed    bool                       // guarded by bus.mu
}

// Subscription is one member's view of a room topic.
// Cancel must be called to release it; the channel is closed afterwards.
type Subscription struct {
	topic   *Topic
	userID  domain.UserID
	ch      chan Event
	closed  bool // guarded by bus.mu
	dropped atomic.Int64
}

func (s *Subscription) C() <-chan Event             { return s.ch }
func (s *Subscription) ChannelID() domain.ChannelID { return s.topic.channelID }
func (s *Subscription) UserID() domain.UserID       { return s.userID }
func (s *Subscription) Dropped() int64              { return s.dropped.Load() }

func (s *Subscription) Cancel() {
	b := s.topic.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s.topic.removeLocked(s)
}

// Open registers a new topic for channelID.
func (b *Bus) Open(channelID domain.ChannelID) *Topic {
	t := &Topic{
		bus:       b,
		channelID: channelID,
		subs:      make(map[*Subscription]struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[channelID]
	if !ok {
		set = make(map[*Topic]struct{})
		b.topics[channelID] = set
	}
	set[t] = struct{}{}
	return t
}

// Subscribers lists the members subscribed to any live topic of a channel.
func (b *Bus) Subscribers(channelID domain.ChannelID) []domain.UserID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.UserID
	for t := range b.topics[channelID] {
		for s := range t.subs {
			out = append(out, s.userID)
		}
	}
	return out
}

func (t *Topic) ChannelID() domain.ChannelID { return t.channelID }

// Subscribe attaches userID to the topic. On a closed topic the returned
// subscription is already cancelled.
func (t *Topic) Subscribe(userID domain.UserID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		topic:  t,
		userID: userID,
		ch:     make(chan Event, buffer),
	}
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if t.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber of the topic except the origin.
func (t *Topic) Publish(ev Event) PublishResult {
	t.bus.mu.RLock()
	defer t.bus.mu.RUnlock()

	res := PublishResult{}
	for s := range t.subs {
		if ev.Origin != "" && s.userID == ev.Origin {
			continue
		}
		select {
		case s.ch <- ev:
			res.SendTo++
		default:
			s.dropped.Add(1)
			res.Dropped = append(res.Dropped, s)
		}
	}
	metrics.EventPublished(string(ev.Type), len(res.Dropped))
	log.Debug().
		Str("module", "signalbus").
		Str("channel", string(ev.ChannelID)).
		Str("type", string(ev.Type)).
		Int("sent_to", res.SendTo).
		Int("dropped", len(res.Dropped)).
		Msg("publish")
	return res
}

// Close cancels every subscription of the topic and unregisters it.
// Other topics of the same channel are untouched.
func (t *Topic) Close() {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		t.removeLocked(s)
	}
	if set, ok := b.topics[t.channelID]; ok {
		delete(set, t)
		if len(set) == 0 {
			delete(b.topics, t.channelID)
		}
	}
}

// Subscribers lists the members subscribed to this topic.
func (t *Topic) Subscribers() []domain.UserID {
	t.bus.mu.RLock()
	defer t.bus.mu.RUnlock()
	out := make([]domain.UserID, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s.userID)
	}
	return out
}

func (t *Topic) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	delete(t.subs, s)
}
