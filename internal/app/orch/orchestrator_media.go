package orch

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var errNoLink = fmt.Errorf("%w: no relay link", domain.ErrSessionClosed)

// HandleOffer applies a client offer to pid's relay link, creating the link
// on first use, and answers it.
func (o *Orchestrator) HandleOffer(pid domain.ParticipantID, sdp string) error {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return domain.ErrNotInRoom
	}
	sess, err := o.session(pid)
	if err != nil {
		return err
	}

	eff, err := sess.ReceiveOffer(sdp)
	if err != nil {
		o.afterFailure(pid, roomID, sess, err)
		return err
	}
	o.apply(pid, roomID, sess, eff)

	eff, err = sess.CreateAnswer()
	if err != nil {
		o.afterFailure(pid, roomID, sess, err)
		return err
	}
	o.apply(pid, roomID, sess, eff)
	return nil
}

// HandleAnswer applies a client answer to a server offer.
func (o *Orchestrator) HandleAnswer(pid domain.ParticipantID, sdp string) error {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return domain.ErrNotInRoom
	}
	sess, ok := o.Registry.Session(pid)
	if !ok {
		return errNoLink
	}
	eff, err := sess.ReceiveAnswer(sdp)
	if err != nil {
		o.afterFailure(pid, roomID, sess, err)
		return err
	}
	o.apply(pid, roomID, sess, eff)
	return nil
}

// HandleCandidate hands a remote candidate to pid's relay link.
func (o *Orchestrator) HandleCandidate(pid domain.ParticipantID, c webrtc.ICECandidateInit) error {
	sess, ok := o.Registry.Session(pid)
	if !ok {
		return errNoLink
	}
	return sess.ReceiveICECandidate(c)
}

// Renegotiate asks pid's relay link for a fresh offer.
func (o *Orchestrator) Renegotiate(pid domain.ParticipantID) error {
	sess, ok := o.Registry.Session(pid)
	if !ok {
		return errNoLink
	}
	eff, err := sess.Renegotiate()
	if err != nil {
		return err
	}
	o.Deliver(pid, eff)
	return nil
}

// StopSharing withdraws one of pid's streams and tells the room.
func (o *Orchestrator) StopSharing(pid domain.ParticipantID, stream domain.StreamID) error {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return domain.ErrNotInRoom
	}
	o.Fanout.StreamRemoved(roomID, pid, stream)
	o.broadcast(o.Rooms.ListOthers(roomID, pid), streamMsg{Type: TypeStopSharingScreen, User: pid, Stream: stream})
	return nil
}

// RelayText forwards a chat line to everyone else in pid's room.
func (o *Orchestrator) RelayText(pid domain.ParticipantID, text string) error {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return domain.ErrNotInRoom
	}
	o.broadcast(o.Rooms.ListOthers(roomID, pid), textMsg{Type: TypeMessage, User: pid, Text: text})
	return nil
}

// Forward relays an encoded frame to a participant in the sender's room.
func (o *Orchestrator) Forward(from, to domain.ParticipantID, f core.Frame) error {
	roomID, ok := o.Registry.RoomOf(from)
	if !ok {
		return domain.ErrNotInRoom
	}
	if target, ok := o.Registry.RoomOf(to); !ok || target != roomID || to == from {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTarget, to)
	}
	return o.SendFrame(to, f)
}

// DropLink discards pid's relay link and the streams it published. The
// participant stays in its room and may negotiate a new link.
func (o *Orchestrator) DropLink(pid domain.ParticipantID) {
	sess := o.Registry.TakeSession(pid)
	if sess == nil {
		return
	}
	sess.Close()
	if roomID, ok := o.Registry.RoomOf(pid); ok {
		o.Fanout.ParticipantLeft(roomID, pid)
	}
	log.Info().Str("module", "orch").Str("participant", string(pid)).Msg("relay link dropped")
}

// session returns pid's relay link session, creating and binding it if needed.
func (o *Orchestrator) session(pid domain.ParticipantID) (*negotiation.Session, error) {
	if sess, ok := o.Registry.Session(pid); ok {
		return sess, nil
	}
	link, err := o.Links.NewLink(pid)
	if err != nil {
		return nil, fmt.Errorf("new link: %w", err)
	}
	sess := negotiation.New(negotiation.Config{Owner: pid, LocalID: o.NodeID, RemoteID: string(pid)}, link)
	attached, ok := o.Registry.SetSession(pid, sess)
	if !ok {
		_ = link.Close()
		return nil, domain.ErrUnknownTarget
	}
	if attached != sess {
		_ = link.Close()
		return attached, nil
	}
	o.bindLink(pid, sess, link)
	return sess, nil
}

func (o *Orchestrator) bindLink(pid domain.ParticipantID, sess *negotiation.Session, link core.PeerLink) {
	link.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		_ = o.Send(pid, candidateMsg{Type: TypeICECandidate, Candidate: c})
	})
	link.OnInboundStream(func(in core.InboundStream) {
		o.onInboundStream(pid, in)
	})
	link.OnText(func(text string) {
		_ = o.RelayText(pid, text)
	})
	link.OnClosed(func() {
		if cur, ok := o.Registry.Session(pid); ok && cur == sess {
			o.DropLink(pid)
		}
	})
}

func (o *Orchestrator) onInboundStream(pid domain.ParticipantID, in core.InboundStream) {
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		return
	}
	if !o.Fanout.StreamAdded(roomID, pid, in) {
		return
	}
	tracks := make([]domain.TrackID, 0, len(in.Tracks))
	for _, t := range in.Tracks {
		tracks = append(tracks, t.Track)
	}
	o.broadcast(o.Rooms.ListOthers(roomID, pid), streamMsg{Type: TypeStreamAdded, User: pid, Stream: in.Stream, Tracks: tracks})
}

// apply carries out the effects of a transition on pid's relay link.
func (o *Orchestrator) apply(pid domain.ParticipantID, roomID domain.RoomID, sess *negotiation.Session, eff negotiation.Effects) {
	for _, m := range eff.Send {
		if err := o.sendNegotiation(pid, m); err != nil {
			return
		}
		if m.Kind != negotiation.KindAnswer {
			continue
		}
		next, err := sess.AnswerDelivered()
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("participant", string(pid)).Msg("answer delivered")
			return
		}
		o.apply(pid, roomID, sess, next)
	}
	if eff.FirstStable {
		if !o.Fanout.LinkEstablished(roomID, pid, sess) {
			log.Warn().Str("module", "orch").Str("participant", string(pid)).Msg("link established outside room")
		}
	}
	if eff.Stable {
		o.Fanout.LinkStable(roomID, pid)
	}
}

// afterFailure replies with the error and drops the link if the failure closed it.
func (o *Orchestrator) afterFailure(pid domain.ParticipantID, roomID domain.RoomID, sess *negotiation.Session, err error) {
	log.Warn().Err(err).Str("module", "orch").Str("participant", string(pid)).Str("room", string(roomID)).
		Str("state", sess.State().String()).Msg("negotiation failed")
	if errors.Is(err, domain.ErrMalformedDescription) || sess.State() == negotiation.StateClosed {
		o.DropLink(pid)
	}
}
