// Package coretest provides in-memory fakes of the core transport interfaces.
package coretest

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// SDP is a minimal description that parses.
const SDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var ErrClosed = errors.New("fake link closed")

// Link records every call made on it.
type Link struct {
	mu sync.Mutex

	PID      domain.ParticipantID
	outbound []core.TrackRef

	// OfferTracks holds the outbound track set at each CreateOffer.
	OfferTracks [][]core.TrackRef
	Answers     int
	Rollbacks   int
	Removed     []core.TrackRef
	Remote      []webrtc.SessionDescription
	Candidates  []webrtc.ICECandidateInit
	Closed      bool

	FailApply error
	FailOffer error

	onInbound   func(core.InboundStream)
	onCandidate func(webrtc.ICECandidateInit)
	onText      func(string)
	onClosed    func()
}

func NewLink(pid domain.ParticipantID) *Link { return &Link{PID: pid} }

func (l *Link) AddOutboundTrack(ref core.TrackRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Closed {
		return ErrClosed
	}
	l.outbound = append(l.outbound, ref)
	return nil
}

func (l *Link) RemoveOutboundTrack(ref core.TrackRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outbound = slices.DeleteFunc(l.outbound, func(r core.TrackRef) bool {
		return r.Stream == ref.Stream && r.Track == ref.Track
	})
	l.Removed = append(l.Removed, ref)
	return nil
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if l.FailOffer != nil {
		return webrtc.SessionDescription{}, l.FailOffer
	}
	l.OfferTracks = append(l.OfferTracks, slices.Clone(l.outbound))
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP}, nil
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	l.Answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: SDP}, nil
}

func (l *Link) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailApply != nil {
		return l.FailApply
	}
	l.Remote = append(l.Remote, d)
	return nil
}

func (l *Link) RollbackLocalOffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Rollbacks++
	return nil
}

func (l *Link) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Candidates = append(l.Candidates, c)
	return nil
}

func (l *Link) OnInboundStream(fn func(core.InboundStream)) { l.mu.Lock(); l.onInbound = fn; l.mu.Unlock() }

func (l *Link) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *Link) OnText(fn func(string)) { l.mu.Lock(); l.onText = fn; l.mu.Unlock() }
func (l *Link) OnClosed(fn func())     { l.mu.Lock(); l.onClosed = fn; l.mu.Unlock() }

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Closed = true
	return nil
}

// Outbound returns the tracks currently sent on the link.
func (l *Link) Outbound() []core.TrackRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.outbound)
}

// Offers returns how many offers were created.
func (l *Link) Offers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.OfferTracks)
}

func (l *Link) LastOffer() []core.TrackRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.OfferTracks) == 0 {
		return nil
	}
	return l.OfferTracks[len(l.OfferTracks)-1]
}

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Closed
}

// EmitInbound simulates remote tracks arriving.
func (l *Link) EmitInbound(s core.InboundStream) {
	l.mu.Lock()
	fn := l.onInbound
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Link) EmitCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (l *Link) EmitText(text string) {
	l.mu.Lock()
	fn := l.onText
	l.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (l *Link) EmitClosed() {
	l.mu.Lock()
	fn := l.onClosed
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stream builds an InboundStream with the given track ids.
func Stream(id string, tracks ...string) core.InboundStream {
	s := core.InboundStream{Stream: domain.StreamID(id)}
	for _, t := range tracks {
		s.Tracks = append(s.Tracks, core.TrackRef{Stream: domain.StreamID(id), Track: domain.TrackID(t)})
	}
	return s
}

// LinkFactory hands out Links and remembers them by participant.
type LinkFactory struct {
	mu    sync.Mutex
	links map[domain.ParticipantID]*Link
	Err   error
}

func NewLinkFactory() *LinkFactory {
	return &LinkFactory{links: make(map[domain.ParticipantID]*Link)}
}

func (f *LinkFactory) NewLink(pid domain.ParticipantID) (core.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	l := NewLink(pid)
	f.links[pid] = l
	return l, nil
}

func (f *LinkFactory) Link(pid domain.ParticipantID) *Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[pid]
}

// Signal collects frames sent to a participant.
type Signal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	Err    error
}

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Signal) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages decodes every frame as a JSON object.
func (s *Signal) Messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns decoded messages whose "type" equals t.
func (s *Signal) OfType(t string) []map[string]any {
	var out []map[string]any
	for _, m := range s.Messages() {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *Signal) Reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}
