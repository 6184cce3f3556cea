package signal

import (
	"context"
	"time"

	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn, logger *zerolog.Logger) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case <-ticker.C:
			deadline := time.Now().Add(ctl.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteTimeout)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump feeds frames to the orchestrator in arrival order.
// On exit the connection is treated as an implicit leave.
func (ctl *SignalWSController) readPump(ctx context.Context, oc *orch.Conn, c *WsSignalConn, logger *zerolog.Logger) {
	defer func() {
		logger.Info().Msg("readPump closing")
		ctl.Orch.Disconnect(oc)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
		ctl.Orch.Dispatch(ctx, oc, data)
	}
}
