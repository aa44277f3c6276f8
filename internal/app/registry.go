package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type participantEntry struct {
	Participant *domain.Participant
	Signal      core.SignalConnection
	Room        domain.RoomID
	Session     *negotiation.Session
	Cancel      context.CancelFunc
}

// Entry is a copy of what the registry knows about a participant.
type Entry struct {
	Participant *domain.Participant
	Signal      core.SignalConnection
	Room        domain.RoomID
	Session     *negotiation.Session
}

// Registry maps live participants to their transport and relay link.
type Registry struct {
	mu           sync.RWMutex
	participants map[domain.ParticipantID]*participantEntry
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[domain.ParticipantID]*participantEntry),
	}
}

func (r *Registry) BindSignal(p *domain.Participant, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = &participantEntry{Participant: p, Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("participant", string(p.ID)).Msg("bound signal")
}

func (r *Registry) Get(pid domain.ParticipantID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[pid]
	if !ok {
		return Entry{}, false
	}
	return Entry{Participant: e.Participant, Signal: e.Signal, Room: e.Room, Session: e.Session}, true
}

func (r *Registry) Signal(pid domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.participants[pid]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) RoomOf(pid domain.ParticipantID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[pid]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

func (r *Registry) UpdateRoom(pid domain.ParticipantID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[pid]
	if !ok {
		return false
	}
	e.Room = room
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.participants[pid]; ok {
		e.Room = ""
	}
}

func (r *Registry) Session(pid domain.ParticipantID) (*negotiation.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[pid]
	if !ok || e.Session == nil {
		return nil, false
	}
	return e.Session, true
}

// SetSession attaches a relay link session unless one exists already.
// It returns the session that ended up attached.
func (r *Registry) SetSession(pid domain.ParticipantID, s *negotiation.Session) (*negotiation.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[pid]
	if !ok {
		return nil, false
	}
	if e.Session != nil {
		return e.Session, true
	}
	e.Session = s
	return s, true
}

// TakeSession detaches and returns the participant's session.
func (r *Registry) TakeSession(pid domain.ParticipantID) *negotiation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[pid]
	if !ok {
		return nil
	}
	s := e.Session
	e.Session = nil
	return s
}

// Unbind removes the participant. Only the first call for a pid reports true.
func (r *Registry) Unbind(pid domain.ParticipantID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[pid]
	if !ok {
		return Entry{}, false
	}
	delete(r.participants, pid)
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("unbind participant")
	return Entry{Participant: e.Participant, Signal: e.Signal, Room: e.Room, Session: e.Session}, true
}

func (r *Registry) Cancel(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.participants[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("canceled participant")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
