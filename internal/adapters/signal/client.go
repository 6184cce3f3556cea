package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientConn is the participant side of the signaling channel.
// It implements core.SignalChannel.
type ClientConn struct {
	conn    *websocket.Conn
	cfg     config.Signal
	inbound chan protocol.Envelope
	send    chan []byte
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once
	err     error
}

// Dial connects to the signaling endpoint. A non-empty token is sent as a bearer token.
func Dial(ctx context.Context, url, token string, cfg config.Signal) (*ClientConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	buffer := cfg.SendBuffer
	if buffer < 1 {
		buffer = 64
	}
	c := &ClientConn{
		conn:    ws,
		cfg:     cfg,
		inbound: make(chan protocol.Envelope, buffer),
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	ws.SetReadLimit(cfg.ReadLimit)
	go c.readLoop()
	go c.writeLoop()
	log.Info().Str("module", "signal.client").Str("url", url).Msg("connected")
	return c, nil
}

func (c *ClientConn) Send(env protocol.Envelope) error {
	frame, err := env.Frame()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return core.ErrConnClosed
	default:
		return core.ErrBackpressure
	}
}

func (c *ClientConn) Inbound() <-chan protocol.Envelope { return c.inbound }

// Close flushes queued frames for up to a second, then closes the socket.
func (c *ClientConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		select {
		case <-c.flushed:
		case <-time.After(time.Second):
		}
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.err = c.conn.Close()
	})
	return c.err
}

func (c *ClientConn) readLoop() {
	defer close(c.inbound)
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "signal.client").Msg("read error")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad frame")
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *ClientConn) writeLoop() {
	defer close(c.flushed)
	for {
		select {
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if !c.write(frame) {
						return
					}
				default:
					return
				}
			}
		case frame := <-c.send:
			if !c.write(frame) {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *ClientConn) write(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		log.Error().Err(err).Str("module", "signal.client").Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Error().Err(err).Str("module", "signal.client").Msg("write error")
		return false
	}
	return true
}
