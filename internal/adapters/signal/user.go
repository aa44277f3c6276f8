package signal

import (
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/domain"
)

const maxTextLen = 4096

func (ctl *SignalWSController) handleWhoAmI(pid domain.ParticipantID) {
	resp := struct {
		Type string               `json:"type"`
		ID   domain.ParticipantID `json:"id"`
		Room domain.RoomID        `json:"room,omitempty"`
	}{
		Type: "whoami",
		ID:   pid,
	}
	if roomID, ok := ctl.Orch.Registry.RoomOf(pid); ok {
		resp.Room = roomID
	}
	ctl.reply(pid, resp)
}

func (ctl *SignalWSController) handleMessage(pid domain.ParticipantID, env envelope) {
	if env.Text == "" {
		ctl.reply(pid, orch.ErrorMessage("empty_message"))
		return
	}
	if err := ctl.Orch.RelayText(pid, truncateText(env.Text, maxTextLen)); err != nil {
		ctl.replyError(pid, "message", err)
	}
}

// truncateText cuts text to at most n bytes without splitting a rune.
func truncateText(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func (ctl *SignalWSController) handleStopSharing(pid domain.ParticipantID, env envelope) {
	if env.Stream == "" {
		ctl.reply(pid, orch.ErrorMessage("bad_payload"))
		return
	}
	log.Info().Str("module", "signal").Str("participant", string(pid)).Str("stream", string(env.Stream)).Msg("stop sharing")
	if err := ctl.Orch.StopSharing(pid, env.Stream); err != nil {
		ctl.replyError(pid, "stop_sharing_screen", err)
	}
}
