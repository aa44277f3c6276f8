package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/domain"
)

// handleNegotiation drives the sender's own relay link.
func (ctl *SignalWSController) handleNegotiation(pid domain.ParticipantID, env envelope) {
	var err error
	switch env.Type {
	case "offer":
		err = ctl.Orch.HandleOffer(pid, env.SDP)
	case "answer":
		err = ctl.Orch.HandleAnswer(pid, env.SDP)
	case "ice_candidate":
		if env.Candidate == nil {
			ctl.reply(pid, orch.ErrorMessage("bad_payload"))
			return
		}
		err = ctl.Orch.HandleCandidate(pid, *env.Candidate)
	}
	if err != nil {
		ctl.replyError(pid, env.Type, err)
	}
}

// relay passes a message verbatim to its target, stamped with the sender
// as "caller". Unknown targets are dropped.
func (ctl *SignalWSController) relay(from, to domain.ParticipantID, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay decode")
		return
	}
	caller, err := json.Marshal(from)
	if err != nil {
		return
	}
	fields["caller"] = caller
	frame, err := json.Marshal(fields)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay encode")
		return
	}
	if err := ctl.Orch.Forward(from, to, frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("from", string(from)).Str("target", string(to)).Msg("relay dropped")
	}
}
