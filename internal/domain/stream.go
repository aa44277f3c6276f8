package domain

import "slices"

type (
	StreamID string
	TrackID  string
)

// StreamRecord is a media stream published into a room by one participant.
type StreamRecord struct {
	StreamID StreamID      `json:"stream"`
	Owner    ParticipantID `json:"owner"`
	// Tracks maps a track id to its media kind.
	Tracks map[TrackID]string `json:"-"`
}

func NewStreamRecord(id StreamID, owner ParticipantID) *StreamRecord {
	return &StreamRecord{StreamID: id, Owner: owner, Tracks: make(map[TrackID]string)}
}

// TrackIDs returns the track ids in a stable order.
func (s *StreamRecord) TrackIDs() []TrackID {
	out := make([]TrackID, 0, len(s.Tracks))
	for id := range s.Tracks {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// FanoutEdge records that a stream is (or is being) forwarded to a participant.
type FanoutEdge struct {
	From      StreamID      `json:"from"`
	To        ParticipantID `json:"to"`
	Forwarded bool          `json:"forwarded"`
	// Offered is set once a renegotiation carrying the edge's tracks was issued.
	Offered bool `json:"-"`
}

type EdgeKey struct {
	From StreamID
	To   ParticipantID
}

func (e FanoutEdge) Key() EdgeKey { return EdgeKey{From: e.From, To: e.To} }
