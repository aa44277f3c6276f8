package orch

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Orchestrator ties participants, rooms and relay links together.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomRegistry
	Fanout   *sfu.Coordinator
	Links    core.LinkFactory
	Policy   app.Policy
	// NodeID is this server's endpoint id for the glare tie-break.
	NodeID string
}

func New(registry *app.Registry, rooms *app.RoomRegistry, links core.LinkFactory, policy app.Policy, nodeID string) *Orchestrator {
	o := &Orchestrator{
		Registry: registry,
		Rooms:    rooms,
		Links:    links,
		Policy:   policy,
		NodeID:   nodeID,
	}
	o.Fanout = sfu.NewCoordinator(rooms, o)
	return o
}

// Deliver sends the messages of a renegotiation to pid. It never blocks and
// never enters a room's exclusive section.
func (o *Orchestrator) Deliver(pid domain.ParticipantID, eff negotiation.Effects) {
	for _, m := range eff.Send {
		if err := o.sendNegotiation(pid, m); err != nil {
			return
		}
	}
}

func (o *Orchestrator) sendNegotiation(pid domain.ParticipantID, m negotiation.Message) error {
	switch m.Kind {
	case negotiation.KindOffer, negotiation.KindAnswer:
		return o.Send(pid, descriptionMsg{Type: string(m.Kind), SDP: m.Description.SDP})
	case negotiation.KindCandidate:
		return o.Send(pid, candidateMsg{Type: TypeICECandidate, Candidate: *m.Candidate})
	}
	return fmt.Errorf("unknown message kind %q", m.Kind)
}

// Send marshals v and queues it on pid's signaling connection.
func (o *Orchestrator) Send(pid domain.ParticipantID, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal")
		return err
	}
	return o.SendFrame(pid, b)
}

// SendFrame queues an encoded frame. A full queue is handed to the Policy.
func (o *Orchestrator) SendFrame(pid domain.ParticipantID, f core.Frame) error {
	sig, ok := o.Registry.Signal(pid)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTarget, pid)
	}
	if err := sig.TrySend(f); err != nil {
		o.onSendFailure(pid, err)
		return err
	}
	return nil
}

func (o *Orchestrator) onSendFailure(pid domain.ParticipantID, err error) {
	room, _ := o.Registry.RoomOf(pid)
	log.Warn().Err(err).Str("module", "orch").Str("participant", string(pid)).Msg("send failed")
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, pid) {
	case app.KickParticipant:
		// Senders may be inside a room's exclusive section.
		go o.Disconnect(pid)
	case app.DropMessage, app.NoAction:
	}
}

// broadcast sends v to every listed participant. Failures are per recipient.
func (o *Orchestrator) broadcast(to []domain.ParticipantID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal")
		return
	}
	for _, pid := range to {
		_ = o.SendFrame(pid, b)
	}
}

// BroadcastFrom sends v to everyone in pid's room but pid.
func (o *Orchestrator) BroadcastFrom(pid domain.ParticipantID, v any) {
	room, ok := o.Registry.RoomOf(pid)
	if !ok {
		return
	}
	o.broadcast(o.Rooms.ListOthers(room, pid), v)
}
