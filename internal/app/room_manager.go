package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/signalbus"
)

const drainWorkers = 8

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.ChannelID]core.RoomService

	cfg          core.RoomConfig
	destroyEmpty bool
	// newRoom is swapped in tests.
	newRoom func(domain.ChannelID, core.RoomConfig) core.RoomService
}

// NewRoomManager builds an empty room table. Every room gets cfg; when
// destroyEmpty is set a room is closed and dropped as soon as its last
// participant leaves.
func NewRoomManager(cfg core.RoomConfig, destroyEmpty bool) *RoomManagerImpl {
	if cfg.Bus == nil {
		cfg.Bus = signalbus.NewBus()
	}
	m := &RoomManagerImpl{
		rooms:        make(map[domain.ChannelID]core.RoomService),
		destroyEmpty: destroyEmpty,
		newRoom:      core.NewRoomService,
	}
	hook := cfg.OnSessionClosed
	cfg.OnSessionClosed = func(room core.RoomService, userID domain.UserID, reason core.LeaveReason) {
		if hook != nil {
			hook(room, userID, reason)
		}
		if m.destroyEmpty && reason != core.LeaveRoomClosed && room.MemberCount() == 0 {
			go m.ReleaseIfEmpty(context.Background(), room)
		}
	}
	m.cfg = cfg
	return m
}

func (m *RoomManagerImpl) Bus() *signalbus.Bus { return m.cfg.Bus }

// GetOrCreate returns the live room for channelID, replacing a closed one.
func (m *RoomManagerImpl) GetOrCreate(channelID domain.ChannelID) core.RoomService {
	m.mu.RLock()
	room, ok := m.rooms[channelID]
	m.mu.RUnlock()
	if ok && !room.Closed() {
		m.check(channelID, room)
		return room
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[channelID]; ok && !room.Closed() {
		m.check(channelID, room)
		return room
	}
	room = m.newRoom(channelID, m.cfg)
	m.rooms[channelID] = room
	log.Info().Str("module", "app.rooms").Str("channel", string(channelID)).Msg("room created")
	return room
}

func (m *RoomManagerImpl) Find(channelID domain.ChannelID) (core.RoomService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[channelID]
	if !ok || room.Closed() {
		return nil, false
	}
	m.check(channelID, room)
	return room, true
}

// Destroy drops the entry first so no new join can reach the room, then
// tears the room down.
func (m *RoomManagerImpl) Destroy(ctx context.Context, channelID domain.ChannelID, reason string) error {
	m.mu.Lock()
	room, ok := m.rooms[channelID]
	delete(m.rooms, channelID)
	m.mu.Unlock()
	if !ok {
		return core.ErrRoomNotFound
	}
	m.check(channelID, room)

	err := room.Destroy(ctx, reason)
	if errors.Is(err, core.ErrRoomNotFound) {
		// closed concurrently, e.g. by the empty-room policy
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("module", "app.rooms").Str("channel", string(channelID)).Str("reason", reason).Msg("room destroyed")
	return nil
}

// ReleaseIfEmpty closes room if nobody is in it and drops its entry.
func (m *RoomManagerImpl) ReleaseIfEmpty(ctx context.Context, room core.RoomService) bool {
	closed, err := room.CloseIfEmpty(ctx)
	if err != nil && !errors.Is(err, core.ErrRoomNotFound) {
		log.Warn().Err(err).Str("module", "app.rooms").Str("channel", string(room.ChannelID())).Msg("release empty room")
	}
	if !room.Closed() {
		return false
	}
	m.mu.Lock()
	if cur, ok := m.rooms[room.ChannelID()]; ok && cur == room {
		delete(m.rooms, room.ChannelID())
	}
	m.mu.Unlock()
	if closed {
		log.Info().Str("module", "app.rooms").Str("channel", string(room.ChannelID())).Msg("empty room released")
	}
	return closed
}

func (m *RoomManagerImpl) List() []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		if r.Closed() {
			continue
		}
		m.check(id, r)
		out = append(out, core.RoomInfo{ChannelID: id, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// DrainAll destroys every room in parallel and leaves the table empty.
func (m *RoomManagerImpl) DrainAll(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]core.RoomService, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[domain.ChannelID]core.RoomService)
	m.mu.Unlock()

	wp := workerpool.New(drainWorkers)
	for _, r := range rooms {
		wp.Submit(func() {
			if err := r.Destroy(ctx, "shutdown"); err != nil && !errors.Is(err, core.ErrRoomNotFound) {
				log.Warn().Err(err).Str("module", "app.rooms").Str("channel", string(r.ChannelID())).Msg("drain room")
			}
		})
	}
	wp.StopWait()
	log.Info().Str("module", "app.rooms").Int("rooms", len(rooms)).Msg("all rooms drained")
}

// check aborts the process when the table maps a key to some other room;
// voice state would silently diverge otherwise.
func (m *RoomManagerImpl) check(key domain.ChannelID, room core.RoomService) {
	if room.ChannelID() != key {
		log.Fatal().
			Str("module", "app.rooms").
			Str("key", string(key)).
			Str("room", string(room.ChannelID())).
			Msg("room registry corrupted")
	}
}
