package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/domain"
)

// Outbound signaling message types.
const (
	TypeJoinedRoom        = "joined_room"
	TypeOtherUsers        = "other_users"
	TypeNewUserJoined     = "new_user_joined"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice_candidate"
	TypeStreamAdded       = "stream_added"
	TypeStopSharingScreen = "stop_sharing_screen"
	TypeMessage           = "message"
	TypeUserLeft          = "user_left"
	TypeRoomClosed        = "room_closed"
	TypeError             = "error"
)

type joinedRoomMsg struct {
	Type    string               `json:"type"`
	ID      domain.ParticipantID `json:"id"`
	Room    domain.RoomID        `json:"room"`
	Creator bool                 `json:"creator"`
	Polite  bool                 `json:"polite"`
}

type otherUsersMsg struct {
	Type   string                 `json:"type"`
	ID     domain.ParticipantID   `json:"id"`
	Room   domain.RoomID          `json:"room"`
	Users  []domain.ParticipantID `json:"users"`
	Polite bool                   `json:"polite"`
}

type userMsg struct {
	Type string               `json:"type"`
	User domain.ParticipantID `json:"user"`
}

type descriptionMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMsg struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type streamMsg struct {
	Type   string               `json:"type"`
	User   domain.ParticipantID `json:"user"`
	Stream domain.StreamID      `json:"stream"`
	Tracks []domain.TrackID     `json:"tracks,omitempty"`
}

type textMsg struct {
	Type string               `json:"type"`
	User domain.ParticipantID `json:"user"`
	Text string               `json:"text"`
}

type roomClosedMsg struct {
	Type string        `json:"type"`
	Room domain.RoomID `json:"room"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ErrorMessage builds the reply sent to a client whose request failed.
func ErrorMessage(reason string) any {
	return errorMsg{Type: TypeError, Error: reason}
}
