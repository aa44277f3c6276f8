package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/domain"
)

func (ctl *SignalWSController) handleJoin(cl client, env envelope) {
	key := cl.token
	if key == "" {
		key = string(cl.pid)
	}
	if !ctl.joins.Allow(key) {
		log.Warn().Str("module", "signal").Str("participant", string(cl.pid)).Msg("join rate limited")
		ctl.reply(cl.pid, orch.ErrorMessage("rate_limited"))
		return
	}
	roomID, err := domain.ParseRoomID(env.Room)
	if err != nil {
		ctl.replyError(cl.pid, "join_room", err)
		return
	}

	log.Info().Str("module", "signal").Str("participant", string(cl.pid)).Str("room", string(roomID)).Msg("join")
	if err := ctl.Orch.Join(cl.pid, roomID); err != nil {
		ctl.replyError(cl.pid, "join_room", err)
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(pid domain.ParticipantID) {
	log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("leave")
	ctl.Orch.Leave(pid)
	ctl.reply(pid, map[string]any{
		"type": "left",
	})
}
