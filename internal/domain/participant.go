// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	ParticipantID string
	RoomID        string
)

// Participant is a single live signaling connection.
// A reconnecting browser gets a new Participant.
type Participant struct {
	ID       ParticipantID `json:"id"`
	JoinedAt time.Time     `json:"joined_at"`
}

// NewParticipant returns a participant with a fresh random id.
func NewParticipant() *Participant {
	return &Participant{
		ID:       ParticipantID(uuid.NewString()),
		JoinedAt: time.Now(),
	}
}

func ParseRoomID(raw string) (RoomID, error) {
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
