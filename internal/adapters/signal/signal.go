package signal

import (
	"context"
	"net/http"
	"sync"

	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IdentityKey is the gin context key under which the auth middleware stores the caller identity.
const IdentityKey = "identity"

type SignalWSController struct {
	Orch *orch.Orchestrator
	cfg  config.Signal
}

func NewSignalWSController(o *orch.Orchestrator, cfg config.Signal) *SignalWSController {
	return &SignalWSController{Orch: o, cfg: cfg}
}

// WsSignalConn is the server side of one signaling WebSocket.
// It implements core.SignalConnection.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
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
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are checked by the router middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := uuid.NewString()
	auth := domain.Identity(c.GetString(IdentityKey))
	logger := log.With().
		Str("module", "signal").
		Str("conn", connID).
		Str("client_token", c.GetString("client_token")).
		Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Str("auth_identity", string(auth)).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.cfg.SendBuffer)
	oc := orch.NewConn(connID, conn, auth)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn, &logger)
	go func() {
		defer cancel()
		ctl.readPump(ctx, oc, conn, &logger)
	}()
}
