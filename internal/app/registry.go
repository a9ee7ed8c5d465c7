package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type sessionEntry struct {
	ChannelID domain.ChannelID
	Signal    core.SignalConnection
	Cancel    context.CancelFunc
}

// Registry tracks connected clients: who they are, which socket they use and
// which voice channel they are in.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[core.SessionID]*domain.User
	banned   map[domain.UserID]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[core.SessionID]*domain.User),
		banned:   make(map[domain.UserID]string),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := domain.GuestUser(domain.UserID(sid))
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return u
}

func (r *Registry) User(sid core.SessionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[sid]
	return u, ok
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		return core.ErrSessionNotFound
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", name).Msg("updated username")
	return nil
}

// BindSignal attaches a socket to sid. A socket already bound to the same sid
// is cancelled; the newest connection wins.
func (r *Registry) BindSignal(sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.sessions[sid]
	r.sessions[sid] = &sessionEntry{Signal: sig, Cancel: cancel}
	r.mu.Unlock()

	if old != nil && old.Cancel != nil {
		old.Cancel()
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("replaced signal")
		return
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) Signal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

// Unbind forgets sid if it is still bound to sig.
func (r *Registry) Unbind(sid core.SessionID, sig core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Signal != sig {
		return false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return true
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.ChannelID == "" {
		return "", false
	}
	return entry.ChannelID, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, channelID domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.ChannelID = channelID
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("channel", string(channelID)).Msg("updated room")
	return true
}

// RemoveRoom clears the room association, but only if sid is still in channelID.
func (r *Registry) RemoveRoom(sid core.SessionID, channelID domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.ChannelID != channelID {
		return false
	}
	entry.ChannelID = ""
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
	return true
}

type regSnap struct {
	SID    core.SessionID
	Signal core.SignalConnection
}

func (r *Registry) MembersOfRoom(channelID domain.ChannelID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.ChannelID == channelID {
			out = append(out, regSnap{SID: sid, Signal: e.Signal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// SessionsOfUser lists every connected sid that belongs to userID.
func (r *Registry) SessionsOfUser(userID domain.UserID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.SessionID
	for sid := range r.sessions {
		if u, ok := r.users[sid]; ok && u.ID == userID {
			out = append(out, sid)
		}
	}
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Ban(userID domain.UserID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banned[userID] = reason
	log.Info().Str("module", "app.registry").Str("user", string(userID)).Str("reason", reason).Msg("banned user")
}

func (r *Registry) Banned(userID domain.UserID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.banned[userID]
	return reason, ok
}
