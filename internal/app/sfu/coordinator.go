package sfu

import (
	"cmp"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Outbox delivers the effects of a renegotiation to a participant.
// It must not block and must not enter the room's exclusive section.
type Outbox interface {
	Deliver(pid domain.ParticipantID, eff negotiation.Effects)
}

// Coordinator keeps every relay link in a room carrying every other
// participant's streams exactly once.
//
// All bookkeeping for a room happens inside the room's exclusive section.
// Renegotiations are requested from inside it so that a pending edge can
// only be marked forwarded by a stable state reached after its tracks were
// added; the request itself never waits for the remote answer.
type Coordinator struct {
	Rooms  *app.RoomRegistry
	Outbox Outbox
}

func NewCoordinator(rooms *app.RoomRegistry, outbox Outbox) *Coordinator {
	return &Coordinator{Rooms: rooms, Outbox: outbox}
}

// StreamAdded records a stream observed on owner's relay link and forwards
// its tracks to every other established link. A notification that brings no
// new track is a duplicate and does nothing.
func (c *Coordinator) StreamAdded(roomID domain.RoomID, owner domain.ParticipantID, in core.InboundStream) bool {
	logger := log.With().Str("module", "sfu.coordinator").Str("room", string(roomID)).
		Str("participant", string(owner)).Str("stream", string(in.Stream)).Logger()

	room, ok := c.Rooms.Room(roomID)
	if !ok {
		logger.Warn().Msg("stream for unknown room dropped")
		return false
	}
	added := false
	room.Exclusive(func(st *app.RoomState) {
		if !st.Has(owner) {
			logger.Warn().Msg("stream from non-member dropped")
			return
		}
		rec, exists := st.Streams[in.Stream]
		if exists && rec.Owner != owner {
			logger.Warn().Str("owner", string(rec.Owner)).Msg("stream id owned by another participant")
			return
		}
		if !exists {
			rec = domain.NewStreamRecord(in.Stream, owner)
			st.Streams[in.Stream] = rec
			st.StreamOrder = append(st.StreamOrder, in.Stream)
		}

		var fresh []core.TrackRef
		for _, tr := range in.Tracks {
			if _, dup := rec.Tracks[tr.Track]; dup {
				continue
			}
			rec.Tracks[tr.Track] = tr.Kind
			fresh = append(fresh, tr)
		}
		if len(fresh) == 0 {
			if exists {
				logger.Debug().Msg("duplicate stream notification")
			}
			return
		}
		added = true

		var targets []domain.ParticipantID
		for _, q := range st.Others(owner) {
			sess, ok := st.Links[q]
			if !ok {
				continue
			}
			key := domain.EdgeKey{From: in.Stream, To: q}
			if edge, ok := st.Edges[key]; ok {
				edge.Forwarded = false
				edge.Offered = false
			} else {
				st.Edges[key] = &domain.FanoutEdge{From: in.Stream, To: q}
			}
			addTracks(sess.Link(), fresh, q)
			targets = append(targets, q)
		}
		c.renegotiate(st, targets)
		logger.Info().Int("tracks", len(fresh)).Int("subscribers", len(targets)).Msg("stream fanned out")
	})
	return added
}

// LinkEstablished registers a relay link that finished its first negotiation
// and subscribes it to every stream already in the room with one offer. A
// closed session or a participant no longer in the room is refused.
func (c *Coordinator) LinkEstablished(roomID domain.RoomID, pid domain.ParticipantID, sess *negotiation.Session) bool {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return false
	}
	registered := false
	room.Exclusive(func(st *app.RoomState) {
		if !st.Has(pid) || sess.State() == negotiation.StateClosed {
			return
		}
		st.Links[pid] = sess
		registered = true

		subscribed := 0
		for _, sid := range st.StreamOrder {
			rec := st.Streams[sid]
			if rec.Owner == pid {
				continue
			}
			key := domain.EdgeKey{From: sid, To: pid}
			if _, ok := st.Edges[key]; ok {
				continue
			}
			st.Edges[key] = &domain.FanoutEdge{From: sid, To: pid}
			addTracks(sess.Link(), refsOf(rec), pid)
			subscribed++
		}
		if subscribed > 0 {
			c.renegotiate(st, []domain.ParticipantID{pid})
		}
		log.Info().Str("module", "sfu.coordinator").Str("room", string(roomID)).Str("participant", string(pid)).
			Int("streams", subscribed).Msg("relay link established")
	})
	return registered
}

// LinkStable marks pid's offered edges forwarded if its link is stable now.
// Edges whose renegotiation was never issued stay pending.
func (c *Coordinator) LinkStable(roomID domain.RoomID, pid domain.ParticipantID) {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return
	}
	room.Exclusive(func(st *app.RoomState) {
		sess, ok := st.Links[pid]
		if !ok || !sess.Settled() {
			return
		}
		for _, edge := range st.Edges {
			if edge.To == pid && edge.Offered {
				edge.Forwarded = true
			}
		}
	})
}

// StreamRemoved withdraws one stream, e.g. when screen sharing stops.
func (c *Coordinator) StreamRemoved(roomID domain.RoomID, owner domain.ParticipantID, sid domain.StreamID) bool {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return false
	}
	removed := false
	room.Exclusive(func(st *app.RoomState) {
		rec, ok := st.Streams[sid]
		if !ok || rec.Owner != owner {
			return
		}
		targets := c.dropStream(st, rec)
		c.renegotiate(st, targets)
		removed = true
	})
	return removed
}

// ParticipantLeft removes pid's link, its streams and every edge that
// references them, then renegotiates each affected link once.
func (c *Coordinator) ParticipantLeft(roomID domain.RoomID, pid domain.ParticipantID) {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return
	}
	room.Exclusive(func(st *app.RoomState) {
		delete(st.Links, pid)
		for key := range st.Edges {
			if key.To == pid {
				delete(st.Edges, key)
			}
		}

		var targets []domain.ParticipantID
		for _, sid := range slices.Clone(st.StreamOrder) {
			rec := st.Streams[sid]
			if rec.Owner != pid {
				continue
			}
			targets = append(targets, c.dropStream(st, rec)...)
		}
		c.renegotiate(st, targets)
		log.Info().Str("module", "sfu.coordinator").Str("room", string(roomID)).Str("participant", string(pid)).
			Int("renegotiated", len(dedup(targets))).Msg("participant streams removed")
	})
}

// dropStream deletes rec and its edges and returns the affected subscribers.
func (c *Coordinator) dropStream(st *app.RoomState, rec *domain.StreamRecord) []domain.ParticipantID {
	var targets []domain.ParticipantID
	refs := refsOf(rec)
	for key := range st.Edges {
		if key.From != rec.StreamID {
			continue
		}
		delete(st.Edges, key)
		sess, ok := st.Links[key.To]
		if !ok {
			continue
		}
		for _, ref := range refs {
			if err := sess.Link().RemoveOutboundTrack(ref); err != nil {
				log.Error().Err(err).Str("module", "sfu.coordinator").Str("participant", string(key.To)).Msg("remove outbound track")
			}
		}
		targets = append(targets, key.To)
	}
	delete(st.Streams, rec.StreamID)
	st.StreamOrder = slices.DeleteFunc(st.StreamOrder, func(id domain.StreamID) bool { return id == rec.StreamID })
	return targets
}

// renegotiate requests one offer per distinct target. Called inside the
// exclusive section.
func (c *Coordinator) renegotiate(st *app.RoomState, targets []domain.ParticipantID) {
	for _, pid := range dedup(targets) {
		sess, ok := st.Links[pid]
		if !ok {
			continue
		}
		eff, err := sess.Renegotiate()
		if err != nil {
			log.Error().Err(err).Str("module", "sfu.coordinator").Str("participant", string(pid)).Msg("renegotiate")
			continue
		}
		for _, edge := range st.Edges {
			if edge.To == pid && !edge.Forwarded {
				edge.Offered = true
			}
		}
		if c.Outbox != nil {
			c.Outbox.Deliver(pid, eff)
		}
	}
}

// Edges returns the room's fan-out edges ordered by stream then subscriber.
func (c *Coordinator) Edges(roomID domain.RoomID) []domain.FanoutEdge {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return nil
	}
	var out []domain.FanoutEdge
	room.Exclusive(func(st *app.RoomState) {
		for _, e := range st.Edges {
			out = append(out, *e)
		}
	})
	slices.SortFunc(out, func(a, b domain.FanoutEdge) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})
	return out
}

// StreamView is a copy of a StreamRecord safe to use outside the room.
type StreamView struct {
	Stream domain.StreamID      `json:"stream"`
	Owner  domain.ParticipantID `json:"owner"`
	Tracks []domain.TrackID     `json:"tracks"`
}

// Streams returns the room's streams in the order they were first seen.
func (c *Coordinator) Streams(roomID domain.RoomID) []StreamView {
	room, ok := c.Rooms.Room(roomID)
	if !ok {
		return nil
	}
	var out []StreamView
	room.Exclusive(func(st *app.RoomState) {
		for _, sid := range st.StreamOrder {
			rec := st.Streams[sid]
			out = append(out, StreamView{Stream: rec.StreamID, Owner: rec.Owner, Tracks: rec.TrackIDs()})
		}
	})
	return out
}

func addTracks(link core.PeerLink, refs []core.TrackRef, pid domain.ParticipantID) {
	for _, ref := range refs {
		if err := link.AddOutboundTrack(ref); err != nil {
			log.Error().Err(err).Str("module", "sfu.coordinator").Str("participant", string(pid)).
				Str("stream", string(ref.Stream)).Str("track", string(ref.Track)).Msg("add outbound track")
		}
	}
}

func refsOf(rec *domain.StreamRecord) []core.TrackRef {
	ids := rec.TrackIDs()
	out := make([]core.TrackRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.TrackRef{Stream: rec.StreamID, Track: id, Kind: rec.Tracks[id]})
	}
	return out
}

func dedup(ids []domain.ParticipantID) []domain.ParticipantID {
	seen := make(map[domain.ParticipantID]struct{}, len(ids))
	out := make([]domain.ParticipantID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
