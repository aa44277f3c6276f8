package domain

import "errors"

var (
	// ErrUnknownTarget: the addressed participant or session is gone.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInvalidStateTransition: a negotiation message arrived in a state that cannot accept it.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrMalformedDescription: a session description could not be parsed.
	ErrMalformedDescription = errors.New("malformed session description")
	ErrSessionClosed        = errors.New("session closed")
	ErrNotInRoom            = errors.New("not in room")
)
