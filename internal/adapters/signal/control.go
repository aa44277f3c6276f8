package signal

import "github.com/dkeye/Huddle/internal/domain"

func (ctl *SignalWSController) handlePing(pid domain.ParticipantID) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.reply(pid, resp)
}
