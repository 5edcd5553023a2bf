// Package signal is the WebSocket side of the server: one socket per client
// carrying session control, call requests, source control and the relayed
// offer/answer/candidate traffic.
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

	"github.com/dkeye/onair/internal/adapters/rtc"
	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	DefaultReadLimit  = 32 << 10
	DefaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
	sendBuffer        = 64
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// MessageLimit inbound messages per MessageWindow are accepted from one
	// client; the rest are dropped.
	MessageLimit  int
	MessageWindow time.Duration
}

type SignalWSController struct {
	Clients *app.Orchestrator
	Stats   *rtc.StatsCollector

	opts    Options
	limiter *RateLimiter
}

func NewSignalWSController(clients *app.Orchestrator, stats *rtc.StatsCollector, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = DefaultMessageLimit
	}
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = DefaultMessageWindow
	}
	return &SignalWSController{
		Clients: clients,
		Stats:   stats,
		opts:    opts,
		limiter: NewRateLimiter(opts.MessageLimit, opts.MessageWindow),
	}
}

func (ctl *SignalWSController) sessions() *app.Manager { return ctl.Clients.Sessions }

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
		return ErrClosed
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

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	if sid == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	if prev := ctl.Clients.Registry.BindSignal(sid, conn, cancel); prev != nil {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("replacing previous socket")
		prev.Close()
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
