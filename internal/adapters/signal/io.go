package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/domain"
)

// envelope is the union of every inbound message.
type envelope struct {
	Type      string                   `json:"type"`
	Target    domain.ParticipantID     `json:"target,omitempty"`
	Room      string                   `json:"room,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Stream    domain.StreamID          `json:"stream,omitempty"`
	Text      string                   `json:"text,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl client, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("participant", string(cl.pid)).Msg("readPump closing")
		ctl.messages.Forget(string(cl.pid))
		ctl.Orch.Disconnect(cl.pid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("participant", string(cl.pid)).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("participant", string(cl.pid)).Msg("readPump read error")
			}
			return
		}
		if !ctl.messages.Allow(string(cl.pid)) {
			ctl.reply(cl.pid, orch.ErrorMessage("rate_limited"))
			continue
		}
		ctl.handleSignal(cl, data)
	}
}

func (ctl *SignalWSController) handleSignal(cl client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.reply(cl.pid, orch.ErrorMessage("bad_payload"))
		return
	}

	switch env.Type {
	case "join_room":
		ctl.handleJoin(cl, env)
	case "leave_room":
		ctl.handleLeave(cl.pid)
	case "ping":
		ctl.handlePing(cl.pid)
	case "whoami":
		ctl.handleWhoAmI(cl.pid)
	case "offer", "answer", "ice_candidate":
		if env.Target != "" {
			ctl.relay(cl.pid, env.Target, data)
			return
		}
		ctl.handleNegotiation(cl.pid, env)
	case "stop_sharing_screen":
		if env.Target != "" {
			ctl.relay(cl.pid, env.Target, data)
			return
		}
		ctl.handleStopSharing(cl.pid, env)
	case "message":
		ctl.handleMessage(cl.pid, env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.reply(cl.pid, orch.ErrorMessage("unknown_type"))
	}
}

func (ctl *SignalWSController) reply(pid domain.ParticipantID, v any) {
	_ = ctl.Orch.Send(pid, v)
}

// replyError answers a failed request with a stable reason code.
func (ctl *SignalWSController) replyError(pid domain.ParticipantID, op string, err error) {
	log.Warn().Err(err).Str("module", "signal").Str("participant", string(pid)).Str("op", op).Msg("request failed")
	ctl.reply(pid, orch.ErrorMessage(reason(err)))
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedDescription):
		return "malformed_description"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, domain.ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, domain.ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, domain.ErrRoomIDEmpty), errors.Is(err, domain.ErrRoomIDTooLong):
		return "invalid_room"
	}
	return "internal"
}
