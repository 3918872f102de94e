package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/agentvoice/internal/app/orch"
	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/core"
	"github.com/dkeye/agentvoice/internal/domain"
	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	AuthTimeout time.Duration
	SendBuffer  int

	AuthLimit  ratelimit.Config
	JoinLimit  ratelimit.Config
	RelayLimit ratelimit.Config
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:   32768,
		PingPeriod:  54 * time.Second,
		AuthTimeout: 5 * time.Second,
		SendBuffer:  32,
		AuthLimit:   ratelimit.ConnectionAuth,
		JoinLimit:   ratelimit.RoomJoin,
		RelayLimit:  ratelimit.Streaming,
	}
}

// SignalWSController terminates signaling WebSockets. Limiter may be nil.
type SignalWSController struct {
	Orch    *orch.Orchestrator
	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	Opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, a *auth.Authenticator, l *ratelimit.Limiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Auth:    a,
		Limiter: l,
		Opts:    opts,
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
		return core.ErrConnectionClosed
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and authenticates the connection before
// any other message is processed.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ip := c.ClientIP()
	if !ctl.allow(c.Request.Context(), "ip:"+ip, ctl.Opts.AuthLimit) {
		log.Warn().Str("module", "signal").Str("ip", ip).Msg("connection auth rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   string(codeRateLimited),
			"message": "too many connection attempts",
		})
		return
	}

	token, hasToken := auth.ExtractBearer(c.GetHeader("Authorization"))
	if !hasToken {
		token = c.Query("token")
		hasToken = token != ""
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Opts.ReadLimit)
	}

	var claims *auth.Claims
	if hasToken {
		claims, err = ctl.verify(token, "")
	} else {
		claims, err = ctl.awaitAuthenticate(ws)
	}
	if err != nil {
		rejectAuth(ws, err)
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, max(ctl.Opts.SendBuffer, 1)),
	}
	id := domain.NewConnectionID()
	sess := core.NewSession(id, claims.AgentID, conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(ctx, sess, cancel)
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("agent", string(claims.AgentID)).Str("ip", ip).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	ctl.sendJSON(conn, authOK(claims.AgentID, id))
	if claims.Kind == auth.KindRoomJoin && claims.RoomID != "" {
		ctl.join(ctx, id, conn, claims.RoomID)
	}
	go ctl.readPump(ctx, cancel, id, conn)
}
