package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Limits struct {
	MessagesPerSecond float64
	MessageBurst      int
	JoinsPerMinute    int
	MaxMessageBytes   int64
	SendBuffer        int
}

func DefaultLimits() Limits {
	return Limits{
		MessagesPerSecond: 50,
		MessageBurst:      100,
		JoinsPerMinute:    10,
		MaxMessageBytes:   64 << 10,
		SendBuffer:        64,
	}
}

type SignalWSController struct {
	Orch   *orch.Orchestrator
	Limits Limits

	messages *RateLimiter
	joins    *RateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, limits Limits) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Limits:   limits,
		messages: NewRateLimiter(rate.Limit(limits.MessagesPerSecond), limits.MessageBurst),
		joins:    NewRateLimiter(rate.Every(time.Minute/time.Duration(max(limits.JoinsPerMinute, 1))), max(limits.JoinsPerMinute, 1)),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one participant until the
// socket closes. Every connection is a new participant.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	p := domain.NewParticipant()
	log.Info().Str("module", "signal").Str("participant", string(p.ID)).Str("client", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Limits.MaxMessageBytes > 0 {
		ws.SetReadLimit(ctl.Limits.MaxMessageBytes)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, max(ctl.Limits.SendBuffer, 1)),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(p, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, client{pid: p.ID, token: token}, conn)
}

// client identifies the sender of an inbound message.
type client struct {
	pid domain.ParticipantID
	// token is the browser's cookie session id; it outlives the connection.
	token string
}
