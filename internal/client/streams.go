package client

import (
	"sort"
	"sync"

	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

// Action is what the client should do after a room event.
type Action int

const (
	ActNone Action = iota
	// ActConsume: subscribe to the announced stream.
	ActConsume
	// ActRemove: drop the local copy of one remote stream.
	ActRemove
	// ActClearUser: drop every stream of one participant.
	ActClearUser
	// ActClearAll: the room is gone.
	ActClearAll
)

func (a Action) String() string {
	switch a {
	case ActConsume:
		return "consume"
	case ActRemove:
		return "remove"
	case ActClearUser:
		return "clear_user"
	case ActClearAll:
		return "clear_all"
	}
	return "none"
}

// Streams is the local view of remote streams, keyed by user then kind.
// Events for any other channel than the current one are ignored.
type Streams struct {
	mu        sync.Mutex
	channel   domain.ChannelID
	self      domain.UserID
	consumers map[domain.UserID]map[domain.StreamKind]string
}

func NewStreams() *Streams {
	return &Streams{consumers: make(map[domain.UserID]map[domain.StreamKind]string)}
}

// Enter switches to channel and forgets every stream of the previous one.
func (s *Streams) Enter(channel domain.ChannelID, self domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channel
	s.self = self
	s.consumers = make(map[domain.UserID]map[domain.StreamKind]string)
}

func (s *Streams) Channel() domain.ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Apply folds ev into the view and reports the refs the caller must act on.
func (s *Streams) Apply(ev signalbus.Event) (Action, []domain.RemoteStreamRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == "" || ev.ChannelID != s.channel {
		return ActNone, nil
	}

	switch ev.Type {
	case signalbus.EventNewProducer:
		if ev.RemoteUserID == s.self {
			return ActNone, nil
		}
		if _, ok := s.consumers[ev.RemoteUserID][ev.Kind]; ok {
			return ActNone, nil
		}
		return ActConsume, []domain.RemoteStreamRef{{UserID: ev.RemoteUserID, Kind: ev.Kind}}

	case signalbus.EventProducerClosed:
		ref := domain.RemoteStreamRef{UserID: ev.RemoteUserID, Kind: ev.Kind}
		if !s.removeLocked(ref) {
			return ActNone, nil
		}
		return ActRemove, []domain.RemoteStreamRef{ref}

	case signalbus.EventParticipantLeft:
		kinds := s.consumers[ev.RemoteUserID]
		refs := make([]domain.RemoteStreamRef, 0, len(kinds))
		for k := range kinds {
			refs = append(refs, domain.RemoteStreamRef{UserID: ev.RemoteUserID, Kind: k})
		}
		delete(s.consumers, ev.RemoteUserID)
		sortRefs(refs)
		return ActClearUser, refs

	case signalbus.EventRoomClosed:
		refs := s.refsLocked()
		s.consumers = make(map[domain.UserID]map[domain.StreamKind]string)
		s.channel = ""
		return ActClearAll, refs
	}
	return ActNone, nil
}

// Add records the consumer serving ref.
func (s *Streams) Add(ref domain.RemoteStreamRef, consumerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.consumers[ref.UserID]
	if !ok {
		kinds = make(map[domain.StreamKind]string)
		s.consumers[ref.UserID] = kinds
	}
	kinds[ref.Kind] = consumerID
}

func (s *Streams) Consumer(ref domain.RemoteStreamRef) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.consumers[ref.UserID][ref.Kind]
	return id, ok
}

func (s *Streams) Remove(ref domain.RemoteStreamRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ref)
}

func (s *Streams) removeLocked(ref domain.RemoteStreamRef) bool {
	kinds, ok := s.consumers[ref.UserID]
	if !ok {
		return false
	}
	if _, ok := kinds[ref.Kind]; !ok {
		return false
	}
	delete(kinds, ref.Kind)
	if len(kinds) == 0 {
		delete(s.consumers, ref.UserID)
	}
	return true
}

// Refs lists every consumed stream, ordered by user then kind.
func (s *Streams) Refs() []domain.RemoteStreamRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refsLocked()
}

func (s *Streams) refsLocked() []domain.RemoteStreamRef {
	var refs []domain.RemoteStreamRef
	for uid, kinds := range s.consumers {
		for k := range kinds {
			refs = append(refs, domain.RemoteStreamRef{UserID: uid, Kind: k})
		}
	}
	sortRefs(refs)
	return refs
}

func sortRefs(refs []domain.RemoteStreamRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UserID != refs[j].UserID {
			return refs[i].UserID < refs[j].UserID
		}
		return refs[i].Kind < refs[j].Kind
	})
}
