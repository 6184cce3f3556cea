package app

import (
	"sync"
	"testing"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	err    error
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []protocol.EventType {
	t.Helper()
	var out []protocol.EventType
	for _, env := range c.envelopes(t) {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) presence(t *testing.T, et protocol.EventType) []protocol.Presence {
	t.Helper()
	var out []protocol.Presence
	for _, env := range c.envelopes(t) {
		if env.Type != et {
			continue
		}
		var p protocol.Presence
		if err := env.Bind(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}
