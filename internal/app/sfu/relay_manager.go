package sfu

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager indexes every live relay by producer id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

func (m *RelayManager) Register(relay *Relay) {
	m.mu.Lock()
	if old, ok := m.relays[relay.ID]; ok {
		log.Info().Str("module", "relay").Str("producer", relay.ID).Msg("replacing existing relay")
		old.Stop()
	}
	m.relays[relay.ID] = relay
	m.mu.Unlock()
}

func (m *RelayManager) Relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[producerID]
	return r, ok
}

// AddSubscriber attaches an OutTrack for consumerID to the producer's relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, localTrack *webrtc.TrackLocalStaticRTP) (*OutTrack, bool) {
	relay, ok := m.Relay(producerID)
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(consumerID, localTrack)
	if !relay.AddOutTrack(ot) {
		return nil, false
	}
	return ot, true
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	relay, ok := m.Relay(producerID)
	if !ok {
		return
	}
	if ot, ok := relay.OutTrack(consumerID); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.Stop()
}

func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
