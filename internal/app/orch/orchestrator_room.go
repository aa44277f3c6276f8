package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Connect registers a new participant for a freshly opened signaling connection.
func (o *Orchestrator) Connect(p *domain.Participant, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.BindSignal(p, sig, cancel)
}

// Join puts pid into roomID, leaving its previous room first. The joiner gets
// joined_room when alone and other_users otherwise; everyone else gets
// new_user_joined. A repeat join only repeats the reply.
func (o *Orchestrator) Join(pid domain.ParticipantID, roomID domain.RoomID) error {
	if _, ok := o.Registry.Get(pid); !ok {
		return domain.ErrUnknownTarget
	}
	if current, ok := o.Registry.RoomOf(pid); ok && current != roomID {
		o.Leave(pid)
		log.Info().Str("module", "orch").Str("participant", string(pid)).Str("from_room", string(current)).Msg("switched room")
	}

	res := o.Rooms.Join(roomID, pid)
	if !o.Registry.UpdateRoom(pid, roomID) {
		// Disconnected meanwhile; Disconnect saw no room to leave.
		o.Rooms.Leave(roomID, pid)
		return domain.ErrUnknownTarget
	}

	// The client is the local end of its own relay link.
	polite := negotiation.IsPolite(string(pid), o.NodeID)
	var reply any
	if len(res.Existing) == 0 {
		reply = joinedRoomMsg{Type: TypeJoinedRoom, ID: pid, Room: roomID, Creator: res.IsCreator, Polite: polite}
	} else {
		reply = otherUsersMsg{Type: TypeOtherUsers, ID: pid, Room: roomID, Users: res.Existing, Polite: polite}
	}
	if err := o.Send(pid, reply); err != nil {
		return err
	}
	if !res.AlreadyPresent {
		o.broadcast(res.Existing, userMsg{Type: TypeNewUserJoined, User: pid})
	}
	return nil
}

// Leave takes pid out of its room and tears down its relay link. The
// connection stays open. Leaving when not in a room is a no-op.
func (o *Orchestrator) Leave(pid domain.ParticipantID) {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(pid)
	o.leaveRoom(pid, roomID)
}

// Disconnect destroys the participant. Only the first call has an effect.
func (o *Orchestrator) Disconnect(pid domain.ParticipantID) {
	o.Registry.Cancel(pid)
	entry, ok := o.Registry.Unbind(pid)
	if !ok {
		return
	}
	if entry.Session != nil {
		entry.Session.Close()
	}
	if entry.Room != "" {
		o.leaveRoom(pid, entry.Room)
	}
	if entry.Signal != nil {
		entry.Signal.Close()
	}
	log.Info().Str("module", "orch").Str("participant", string(pid)).Msg("disconnected")
}

func (o *Orchestrator) leaveRoom(pid domain.ParticipantID, roomID domain.RoomID) {
	if sess := o.Registry.TakeSession(pid); sess != nil {
		sess.Close()
	}
	o.Fanout.ParticipantLeft(roomID, pid)
	res := o.Rooms.Leave(roomID, pid)
	if !res.Found {
		return
	}
	if res.Closed && len(res.Remaining) > 0 {
		o.evict(roomID, res.Remaining)
		return
	}
	o.broadcast(res.Remaining, userMsg{Type: TypeUserLeft, User: pid})
}

// EvictRoom removes everyone from a room and tells them it is closed.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) {
	snap, ok := o.Rooms.Snapshot(roomID)
	if !ok {
		return
	}
	for _, pid := range snap.Participants {
		o.Registry.RemoveRoom(pid)
		if sess := o.Registry.TakeSession(pid); sess != nil {
			sess.Close()
		}
		o.Fanout.ParticipantLeft(roomID, pid)
		o.Rooms.Leave(roomID, pid)
		_ = o.Send(pid, roomClosedMsg{Type: TypeRoomClosed, Room: roomID})
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Int("evicted", len(snap.Participants)).Msg("room evicted")
}

// evict handles participants left behind by a room that was torn down.
func (o *Orchestrator) evict(roomID domain.RoomID, remaining []domain.ParticipantID) {
	for _, pid := range remaining {
		if cur, ok := o.Registry.RoomOf(pid); !ok || cur != roomID {
			continue
		}
		o.Registry.RemoveRoom(pid)
		if sess := o.Registry.TakeSession(pid); sess != nil {
			sess.Close()
		}
		_ = o.Send(pid, roomClosedMsg{Type: TypeRoomClosed, Room: roomID})
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Int("evicted", len(remaining)).Msg("room closed by creator leave")
}
