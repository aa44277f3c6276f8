package app

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickParticipant
)

// Policy decides what happens to a participant whose outbound signaling queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, pid domain.ParticipantID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.ParticipantID) BackpressureAction {
	return KickParticipant
}
