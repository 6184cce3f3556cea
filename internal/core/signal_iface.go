package core

import (
	"errors"

	"github.com/dkeye/Mesh/internal/protocol"
)

// Frame is a raw signaling payload.
type Frame []byte

// SignalConnection abstracts the server side of a client's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client side of the signaling transport.
// Inbound delivers envelopes in transport order and is closed when the transport ends.
type SignalChannel interface {
	Send(protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Close() error
}

var (
	// ErrBackpressure means the connection's send queue is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrConnClosed means the connection no longer accepts frames.
	ErrConnClosed = errors.New("connection closed")
)
