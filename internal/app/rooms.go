package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
)

type JoinResult struct {
	IsCreator bool
	// Existing lists the participants already present, in join order.
	Existing []domain.ParticipantID
	// AlreadyPresent is set when pid was a member before the call.
	AlreadyPresent bool
}

type LeaveResult struct {
	Found      bool
	WasCreator bool
	Remaining  []domain.ParticipantID
	// Closed is set when the room was torn down by this leave.
	Closed bool
}

// RoomRegistry maps room ids to rooms for the lifetime of the process.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room

	// CloseOnCreatorLeave tears the room down when its creator leaves
	// instead of keeping it until empty.
	CloseOnCreatorLeave bool
}

func NewRoomRegistry(closeOnCreatorLeave bool) *RoomRegistry {
	return &RoomRegistry{
		rooms:               make(map[domain.RoomID]*Room),
		CloseOnCreatorLeave: closeOnCreatorLeave,
	}
}

func (f *RoomRegistry) getOrCreate(id domain.RoomID) *Room {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = newRoom(id)
	f.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room
}

// Join adds pid to the room, creating it on first use. Joining twice is a no-op.
func (f *RoomRegistry) Join(id domain.RoomID, pid domain.ParticipantID) JoinResult {
	for {
		room := f.getOrCreate(id)
		var res JoinResult
		if room.Exclusive(func(st *RoomState) { res = st.join(pid) }) {
			log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("participant", string(pid)).
				Bool("creator", res.IsCreator).Int("existing", len(res.Existing)).Msg("joined")
			return res
		}
		// Lost a race with teardown; the room is being removed from the map.
		f.remove(id, room)
	}
}

// Leave removes pid. Leaving an unknown room is a no-op.
func (f *RoomRegistry) Leave(id domain.RoomID, pid domain.ParticipantID) LeaveResult {
	room, ok := f.Room(id)
	if !ok {
		return LeaveResult{}
	}
	var res LeaveResult
	room.Exclusive(func(st *RoomState) { res = st.leave(pid, f.CloseOnCreatorLeave) })
	if res.Closed {
		f.remove(id, room)
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Bool("creator_left", res.WasCreator).Msg("room deleted")
	}
	if res.Found {
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("participant", string(pid)).Msg("left")
	}
	return res
}

func (f *RoomRegistry) remove(id domain.RoomID, room *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[id] == room {
		delete(f.rooms, id)
	}
}

// ListOthers returns the room's participants other than pid, in join order.
func (f *RoomRegistry) ListOthers(id domain.RoomID, pid domain.ParticipantID) []domain.ParticipantID {
	room, ok := f.Room(id)
	if !ok {
		return nil
	}
	var out []domain.ParticipantID
	room.Exclusive(func(st *RoomState) { out = st.Others(pid) })
	return out
}

func (f *RoomRegistry) Room(id domain.RoomID) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomRegistry) Snapshot(id domain.RoomID) (domain.Room, bool) {
	room, ok := f.Room(id)
	if !ok {
		return domain.Room{}, false
	}
	var snap domain.Room
	ok = room.Exclusive(func(st *RoomState) { snap = st.Snapshot() })
	return snap, ok
}

func (f *RoomRegistry) List() []domain.RoomInfo {
	f.mu.RLock()
	rooms := make([]*Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		rooms = append(rooms, r)
	}
	f.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.Exclusive(func(st *RoomState) {
			out = append(out, domain.RoomInfo{
				ID:               st.ID,
				ParticipantCount: len(st.Participants),
				StreamCount:      len(st.Streams),
			})
		})
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}
