package app

import (
	"slices"
	"sync"

	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/domain"
)

// Room is the per-room exclusive section. Every mutation of membership,
// streams, fan-out edges and relay links goes through Exclusive.
type Room struct {
	mu    sync.Mutex
	state RoomState
}

// RoomState is only valid inside Exclusive.
type RoomState struct {
	ID           domain.RoomID
	CreatorID    domain.ParticipantID
	Participants []domain.ParticipantID

	Streams     map[domain.StreamID]*domain.StreamRecord
	StreamOrder []domain.StreamID
	Edges       map[domain.EdgeKey]*domain.FanoutEdge
	// Links holds relay link sessions that completed their first negotiation.
	Links map[domain.ParticipantID]*negotiation.Session

	lastLeft *departure
	closed   bool
}

type departure struct {
	id    domain.ParticipantID
	index int
}

func newRoom(id domain.RoomID) *Room {
	return &Room{state: RoomState{
		ID:      id,
		Streams: make(map[domain.StreamID]*domain.StreamRecord),
		Edges:   make(map[domain.EdgeKey]*domain.FanoutEdge),
		Links:   make(map[domain.ParticipantID]*negotiation.Session),
	}}
}

// Exclusive runs fn with the room locked. It reports false, without running
// fn, once the room has been torn down.
func (r *Room) Exclusive(fn func(st *RoomState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.closed {
		return false
	}
	fn(&r.state)
	return true
}

func (st *RoomState) Has(pid domain.ParticipantID) bool {
	return slices.Contains(st.Participants, pid)
}

// Others returns every participant but pid, in join order.
func (st *RoomState) Others(pid domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(st.Participants))
	for _, id := range st.Participants {
		if id != pid {
			out = append(out, id)
		}
	}
	return out
}

func (st *RoomState) Snapshot() domain.Room {
	return domain.Room{
		ID:           st.ID,
		CreatorID:    st.CreatorID,
		Participants: slices.Clone(st.Participants),
	}
}

func (st *RoomState) join(pid domain.ParticipantID) JoinResult {
	if st.Has(pid) {
		return JoinResult{IsCreator: st.CreatorID == pid, Existing: st.Others(pid), AlreadyPresent: true}
	}
	if st.CreatorID == "" {
		st.CreatorID = pid
	}
	if d := st.lastLeft; d != nil && d.id == pid && d.index <= len(st.Participants) {
		st.Participants = slices.Insert(st.Participants, d.index, pid)
	} else {
		st.Participants = append(st.Participants, pid)
	}
	st.lastLeft = nil
	return JoinResult{IsCreator: st.CreatorID == pid, Existing: st.Others(pid)}
}

func (st *RoomState) leave(pid domain.ParticipantID, closeOnCreatorLeave bool) LeaveResult {
	idx := slices.Index(st.Participants, pid)
	if idx < 0 {
		return LeaveResult{Remaining: slices.Clone(st.Participants)}
	}
	st.Participants = slices.Delete(st.Participants, idx, idx+1)
	st.lastLeft = &departure{id: pid, index: idx}

	res := LeaveResult{
		Found:      true,
		WasCreator: st.CreatorID == pid,
		Remaining:  slices.Clone(st.Participants),
	}
	if len(st.Participants) == 0 || (res.WasCreator && closeOnCreatorLeave) {
		st.teardown()
		res.Closed = true
	}
	return res
}

func (st *RoomState) teardown() {
	st.closed = true
	clear(st.Streams)
	clear(st.Edges)
	clear(st.Links)
	st.StreamOrder = nil
	st.lastLeft = nil
}
