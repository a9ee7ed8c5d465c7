package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/metrics"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

type SessionState int32

const (
	StateJoining SessionState = iota
	StateActive
	StateLeaving
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ParticipantSession is one user's live state within a voice room.
// Only the owning room mutates it, and only from inside a queued op;
// everything exported is a read.
type ParticipantSession struct {
	channelID domain.ChannelID
	member    *domain.Member

	mu        sync.RWMutex
	state     SessionState
	send      Transport
	recv      Transport
	producers map[domain.StreamKind]Producer
	consumers map[domain.RemoteStreamRef]Consumer
	events    *signalbus.Subscription
}

func newParticipantSession(channelID domain.ChannelID, member *domain.Member) *ParticipantSession {
	return &ParticipantSession{
		channelID: channelID,
		member:    member,
		state:     StateJoining,
		producers: make(map[domain.StreamKind]Producer),
		consumers: make(map[domain.RemoteStreamRef]Consumer),
	}
}

func (s *ParticipantSession) ChannelID() domain.ChannelID { return s.channelID }
func (s *ParticipantSession) Member() *domain.Member      { return s.member }
func (s *ParticipantSession) UserID() domain.UserID       { return s.member.User.ID }

func (s *ParticipantSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *ParticipantSession) Transport(dir Direction) Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dir == DirectionRecv {
		return s.recv
	}
	return s.send
}

func (s *ParticipantSession) Events() *signalbus.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

func (s *ParticipantSession) Producer(kind domain.StreamKind) (Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[kind]
	return p, ok
}

// ProducerKinds returns the active producer kinds in a stable order.
func (s *ParticipantSession) ProducerKinds() []domain.StreamKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StreamKind, 0, len(s.producers))
	for _, k := range domain.StreamKinds {
		if _, ok := s.producers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (s *ParticipantSession) Consumer(ref domain.RemoteStreamRef) (Consumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[ref]
	return c, ok
}

func (s *ParticipantSession) ConsumerRefs() []domain.RemoteStreamRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RemoteStreamRef, 0, len(s.consumers))
	for ref := range s.consumers {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *ParticipantSession) Info() ParticipantInfo {
	u := s.member.User
	return ParticipantInfo{
		UserID:    u.ID,
		Username:  u.Username,
		State:     s.State().String(),
		Producers: s.ProducerKinds(),
		JoinedAt:  s.member.JoinedAt,
	}
}

// transition moves the session forward along Joining -> Active -> Leaving -> Closed.
// Joining may skip straight to Leaving when provisioning fails.
func (s *ParticipantSession) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return false
	}
	if s.state == StateJoining && to == StateClosed {
		return false
	}
	s.state = to
	return true
}

func (s *ParticipantSession) attach(send, recv Transport, events *signalbus.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = send
	s.recv = recv
	s.events = events
}

func (s *ParticipantSession) addProducer(p Producer) {
	s.mu.Lock()
	s.producers[p.Kind()] = p
	s.mu.Unlock()
	metrics.ProducerAdded(string(p.Kind()))
}

func (s *ParticipantSession) removeProducer(kind domain.StreamKind) Producer {
	s.mu.Lock()
	p, ok := s.producers[kind]
	delete(s.producers, kind)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ProducerRemoved(string(kind))
	return p
}

func (s *ParticipantSession) addConsumer(ref domain.RemoteStreamRef, c Consumer) {
	s.mu.Lock()
	s.consumers[ref] = c
	s.mu.Unlock()
	metrics.ConsumerAdded(string(ref.Kind))
}

func (s *ParticipantSession) removeConsumer(ref domain.RemoteStreamRef) Consumer {
	s.mu.Lock()
	c, ok := s.consumers[ref]
	delete(s.consumers, ref)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ConsumerRemoved(string(ref.Kind))
	return c
}

// release closes every resource the session owns. Close errors are logged and
// otherwise ignored; leaving always succeeds.
func (s *ParticipantSession) release() {
	s.mu.RLock()
	events := s.events
	consumers := make([]domain.RemoteStreamRef, 0, len(s.consumers))
	for ref := range s.consumers {
		consumers = append(consumers, ref)
	}
	kinds := make([]domain.StreamKind, 0, len(s.producers))
	for k := range s.producers {
		kinds = append(kinds, k)
	}
	send, recv := s.send, s.recv
	s.mu.RUnlock()

	if events != nil {
		events.Cancel()
	}
	for _, ref := range consumers {
		if c := s.removeConsumer(ref); c != nil {
			s.logClose("consumer", c.ID(), c.Close())
		}
	}
	for _, k := range kinds {
		if p := s.removeProducer(k); p != nil {
			s.logClose("producer", p.ID(), p.Close())
		}
	}
	if send != nil {
		s.logClose("send transport", send.ID(), send.Close())
	}
	if recv != nil {
		s.logClose("recv transport", recv.ID(), recv.Close())
	}
}

func (s *ParticipantSession) logClose(what, id string, err error) {
	if err == nil {
		return
	}
	log.Warn().
		Err(err).
		Str("module", "core.session").
		Str("channel", string(s.channelID)).
		Str("user", string(s.UserID())).
		Str("id", id).
		Msgf("%s close failed", what)
}
