package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrBadEnvelope = errors.New("bad envelope")

// Envelope is the frame exchanged on the signaling channel.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = b
	return env, nil
}

// Encode marshals an event directly into a wire frame.
func Encode(t EventType, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a wire frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env, nil
}

// Bind unmarshals the envelope payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrBadEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadEnvelope, e.Type, err)
	}
	return nil
}

// Frame marshals the envelope for the wire.
func (e Envelope) Frame() ([]byte, error) {
	return json.Marshal(e)
}
