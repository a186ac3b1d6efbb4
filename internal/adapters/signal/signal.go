// Package signal is the server side of the signaling channel over WebSocket.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/app/orch"
	"github.com/dkeye/confer/internal/config"
	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
)

const (
	sendQueueSize = 64
	writeWait     = 5 * time.Second

	SessionDisplayName = "display_name"
	SessionAvatar      = "avatar"
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Limiter    *RoomRateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config) *SignalWSController {
	ctl := &SignalWSController{
		Orch:       o,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	if cfg.Rooms.JoinRateLimit > 0 {
		ctl.Limiter = NewRoomRateLimiter(cfg.Rooms.JoinRateLimit, cfg.Rooms.JoinRateInterval)
	}
	return ctl
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
		return core.ErrSignalClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
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

// wsSession is one live connection as seen by the handlers.
type wsSession struct {
	sid  core.SessionID
	id   domain.ParticipantID
	conn *WsSignalConn
	pool *workerpool.WorkerPool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	claim := core.Claim{Credential: c.Query("credential")}
	session := sessions.Default(c)
	if v, ok := session.Get(SessionDisplayName).(string); ok {
		claim.DisplayName = v
	}
	if v, ok := session.Get(SessionAvatar).(string); ok {
		claim.Avatar = v
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendQueueSize),
	}

	ctx, cancel := context.WithCancel(ctx)
	p, err := ctl.Orch.Connect(ctx, sid, claim, conn, cancel)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("identify failed")
		cancel()
		_ = ws.WriteMessage(websocket.TextMessage, errorFrame("", err))
		_ = ws.Close()
		return
	}

	s := &wsSession{sid: sid, id: p.ID, conn: conn, pool: workerpool.New(1)}
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, s)
}
