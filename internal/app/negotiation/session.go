// Package negotiation drives one SDP offer/answer exchange per relay link.
//
// Every transition is a method call that returns the messages to send and
// whether the link became stable; nothing is emitted through callbacks.
package negotiation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type Config struct {
	Owner domain.ParticipantID
	// LocalID and RemoteID are stable endpoint ids known to both ends.
	// The end whose id sorts greater is polite and yields on glare.
	LocalID  string
	RemoteID string
}

type Session struct {
	mu sync.Mutex

	owner  domain.ParticipantID
	link   core.PeerLink
	polite bool
	logger zerolog.Logger

	role   Role
	state  State
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	pending []webrtc.ICECandidateInit

	// wantOffer is a renegotiation absorbed while an exchange was in flight.
	wantOffer  bool
	everStable bool
}

func New(cfg Config, link core.PeerLink) *Session {
	return &Session{
		owner:  cfg.Owner,
		link:   link,
		polite: IsPolite(cfg.LocalID, cfg.RemoteID),
		logger: log.With().Str("module", "negotiation").Str("participant", string(cfg.Owner)).Logger(),
	}
}

// IsPolite is the glare tie-break. Both ends evaluate it with swapped
// arguments and get opposite answers.
func IsPolite(localID, remoteID string) bool {
	return localID > remoteID
}

func (s *Session) Owner() domain.ParticipantID { return s.owner }
func (s *Session) Link() core.PeerLink         { return s.link }
func (s *Session) Polite() bool                { return s.polite }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Settled reports whether the session is stable with no renegotiation owed.
func (s *Session) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStable && !s.wantOffer
}

// Established reports whether the session has ever reached StateStable.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everStable
}

// CreateOffer is valid from Idle or Stable only.
func (s *Session) CreateOffer() (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOfferLocked()
}

// Renegotiate asks for a new offer. While an exchange is in flight the
// request is absorbed by it and a single offer follows once stable.
func (s *Session) Renegotiate() (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return Effects{}, domain.ErrSessionClosed
	case StateIdle, StateStable:
		return s.createOfferLocked()
	default:
		s.wantOffer = true
		s.logger.Debug().Str("state", s.state.String()).Msg("renegotiation coalesced")
		return Effects{}, nil
	}
}

func (s *Session) createOfferLocked() (Effects, error) {
	if s.state == StateClosed {
		return Effects{}, domain.ErrSessionClosed
	}
	if s.state != StateIdle && s.state != StateStable {
		return Effects{}, fmt.Errorf("%w: create offer in %s", domain.ErrInvalidStateTransition, s.state)
	}
	offer, err := s.link.CreateOffer()
	if err != nil {
		return Effects{}, fmt.Errorf("create offer: %w", err)
	}
	s.local = &offer
	s.role = RoleOfferer
	s.state = StateOfferSent
	s.wantOffer = false
	s.logger.Debug().Msg("offer created")
	return Effects{Send: []Message{{Kind: KindOffer, Description: &offer}}}, nil
}

// ReceiveOffer applies a remote offer. On glare the polite end rolls back its
// own offer and keeps the requirement for later; the impolite end ignores
// the incoming offer.
func (s *Session) ReceiveOffer(raw string) (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return Effects{}, domain.ErrSessionClosed
	case StateIdle, StateStable:
	case StateOfferSent:
		if !s.polite {
			s.logger.Info().Msg("glare: keeping local offer")
			return Effects{}, fmt.Errorf("%w: glare, remote offer ignored", domain.ErrInvalidStateTransition)
		}
		if err := s.link.RollbackLocalOffer(); err != nil {
			return Effects{}, fmt.Errorf("rollback: %w", err)
		}
		s.logger.Info().Msg("glare: rolled back local offer")
		s.local = nil
		s.wantOffer = true
	default:
		return Effects{}, fmt.Errorf("%w: offer in %s", domain.ErrInvalidStateTransition, s.state)
	}

	desc, err := s.applyRemoteLocked(webrtc.SDPTypeOffer, raw)
	if err != nil {
		return Effects{}, err
	}
	s.remote = &desc
	s.role = RoleAnswerer
	s.state = StateOfferReceived
	s.flushLocked()
	return Effects{}, nil
}

// CreateAnswer is valid from OfferReceived. The session stays in AnswerSent
// until AnswerDelivered is called.
func (s *Session) CreateAnswer() (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Effects{}, domain.ErrSessionClosed
	}
	if s.state != StateOfferReceived {
		return Effects{}, fmt.Errorf("%w: answer in %s", domain.ErrInvalidStateTransition, s.state)
	}
	answer, err := s.link.CreateAnswer()
	if err != nil {
		return Effects{}, fmt.Errorf("create answer: %w", err)
	}
	s.local = &answer
	s.state = StateAnswerSent
	return Effects{Send: []Message{{Kind: KindAnswer, Description: &answer}}}, nil
}

// AnswerDelivered acknowledges that the transport accepted the answer.
func (s *Session) AnswerDelivered() (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Effects{}, domain.ErrSessionClosed
	}
	if s.state != StateAnswerSent {
		return Effects{}, fmt.Errorf("%w: ack in %s", domain.ErrInvalidStateTransition, s.state)
	}
	return s.becomeStableLocked(), nil
}

// ReceiveAnswer is valid from OfferSent.
func (s *Session) ReceiveAnswer(raw string) (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Effects{}, domain.ErrSessionClosed
	}
	if s.state != StateOfferSent {
		return Effects{}, fmt.Errorf("%w: answer in %s", domain.ErrInvalidStateTransition, s.state)
	}
	desc, err := s.applyRemoteLocked(webrtc.SDPTypeAnswer, raw)
	if err != nil {
		return Effects{}, err
	}
	s.remote = &desc
	s.flushLocked()
	return s.becomeStableLocked(), nil
}

// ReceiveICECandidate queues candidates until a remote description exists.
// Queued candidates are never dropped short of Close.
func (s *Session) ReceiveICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return domain.ErrSessionClosed
	}
	if s.remote == nil {
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.link.AddRemoteICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Close is terminal and idempotent. It also closes the link.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.pending = nil
	s.local = nil
	s.remote = nil
	s.wantOffer = false
	s.mu.Unlock()

	if err := s.link.Close(); err != nil {
		s.logger.Error().Err(err).Msg("link close")
	}
	s.logger.Info().Msg("session closed")
}

func (s *Session) becomeStableLocked() Effects {
	s.state = StateStable
	eff := Effects{Stable: true}
	if !s.everStable {
		s.everStable = true
		eff.FirstStable = true
	}
	if s.wantOffer {
		next, err := s.createOfferLocked()
		if err != nil {
			s.logger.Error().Err(err).Msg("follow-up offer")
			return eff
		}
		eff.merge(next)
	}
	return eff
}

// applyRemoteLocked validates and applies a remote description. A description
// that cannot be parsed or applied closes the session.
func (s *Session) applyRemoteLocked(t webrtc.SDPType, raw string) (webrtc.SessionDescription, error) {
	if err := ValidateSDP(raw); err != nil {
		s.closeLocked()
		return webrtc.SessionDescription{}, err
	}
	desc := webrtc.SessionDescription{Type: t, SDP: raw}
	if err := s.link.ApplyRemoteDescription(desc); err != nil {
		s.closeLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", domain.ErrMalformedDescription, err)
	}
	return desc, nil
}

func (s *Session) closeLocked() {
	s.state = StateClosed
	s.pending = nil
	s.wantOffer = false
	if err := s.link.Close(); err != nil {
		s.logger.Error().Err(err).Msg("link close")
	}
}

func (s *Session) flushLocked() {
	if len(s.pending) == 0 {
		return
	}
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := s.link.AddRemoteICECandidate(c); err != nil {
			s.logger.Error().Err(err).Msg("flush candidate")
		}
	}
	s.logger.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
}

var errEmptySDP = errors.New("empty sdp")

// ValidateSDP checks that raw parses as a session description.
func ValidateSDP(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: %v", domain.ErrMalformedDescription, errEmptySDP)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedDescription, err)
	}
	return nil
}
