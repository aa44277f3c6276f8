package core

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// TrackRef names one media track of a published stream.
type TrackRef struct {
	Stream domain.StreamID `json:"stream"`
	Track  domain.TrackID  `json:"track"`
	Kind   string          `json:"kind,omitempty"`
}

// InboundStream is what a relay link reports when remote tracks arrive.
// One stream may be reported several times as its tracks show up.
type InboundStream struct {
	Stream domain.StreamID
	Tracks []TrackRef
}

// PeerLink is the media engine side of a relay link. The core only drives it;
// ICE, DTLS and codecs live behind it.
type PeerLink interface {
	// AddOutboundTrack starts sending a track published by someone else.
	AddOutboundTrack(ref TrackRef) error
	RemoveOutboundTrack(ref TrackRef) error

	// CreateOffer creates and applies a local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates and applies a local answer to the applied remote offer.
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyRemoteDescription(webrtc.SessionDescription) error
	// RollbackLocalOffer discards an unanswered local offer.
	RollbackLocalOffer() error
	AddRemoteICECandidate(webrtc.ICECandidateInit) error

	OnInboundStream(func(InboundStream))
	// OnLocalCandidate sets a callback for newly gathered local ICE candidates.
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	// OnText receives text sent by the remote end over a data channel.
	OnText(func(string))
	// OnClosed sets a callback for transport failure or close.
	OnClosed(func())

	Close() error
}

// LinkFactory creates the media side of a new relay link.
type LinkFactory interface {
	NewLink(pid domain.ParticipantID) (PeerLink, error)
}
