package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved envelope types handled by the link itself.
const (
	TypePing = "ping" // outbound only, no data
	TypePong = "pong" // inbound only, consumed by the heartbeat

	// Wildcard subscribes to every inbound envelope.
	Wildcard = "*"
)

// ErrMissingType is returned when a frame has no "type" field.
var ErrMissingType = errors.New("envelope has no type")

// Envelope is the {"type", "data"} wrapper around every wire message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Local metadata, never serialized.
	ReceivedAt time.Time `json:"-"`
	Session    string    `json:"-"` // id of the socket session that received it
}

// Handler receives the payload of a typed subscription.
type Handler func(payload json.RawMessage)

// EnvelopeHandler receives the full envelope of a wildcard subscription.
type EnvelopeHandler func(env Envelope)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Encode serializes an envelope for the wire.
func Encode(msgType string, payload any) ([]byte, error) {
	if msgType == "" {
		return nil, ErrMissingType
	}

	env := Envelope{Type: msgType}
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			env.Data = p
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
			}
			env.Data = data
		}
	}

	return json.Marshal(env)
}

// Decode parses a wire frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}
