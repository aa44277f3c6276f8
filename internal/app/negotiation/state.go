package negotiation

import "github.com/pion/webrtc/v4"

type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleAnswerer {
		return "answerer"
	}
	return "offerer"
}

type MessageKind string

const (
	KindOffer     MessageKind = "offer"
	KindAnswer    MessageKind = "answer"
	KindCandidate MessageKind = "ice_candidate"
)

// Message is an outbound signaling message produced by a transition.
type Message struct {
	Kind        MessageKind
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

// Effects is everything a transition wants done outside the session.
type Effects struct {
	Send []Message
	// Stable is set when the transition ended in StateStable.
	Stable bool
	// FirstStable is set only the first time the session becomes stable,
	// i.e. when the relay link is established.
	FirstStable bool
}

func (e *Effects) merge(o Effects) {
	e.Send = append(e.Send, o.Send...)
	e.Stable = e.Stable || o.Stable
	e.FirstStable = e.FirstStable || o.FirstStable
}
