package domain

// Room is a read-only snapshot of a room's membership.
type Room struct {
	ID           RoomID          `json:"id"`
	CreatorID    ParticipantID   `json:"creator"`
	Participants []ParticipantID `json:"participants"`
}

type RoomInfo struct {
	ID               RoomID `json:"id"`
	ParticipantCount int    `json:"participant_count"`
	StreamCount      int    `json:"stream_count"`
}
