package session

import (
	"encoding/json"
	"fmt"

	"github.com/kasipos/kasipos/internal/codec"
)

// EnvelopeKind labels the two manual handshake payloads.
type EnvelopeKind string

const (
	KindOffer  EnvelopeKind = "offer"
	KindAnswer EnvelopeKind = "answer"
)

// Envelope is the wire shape of one handshake payload. The signal data is
// opaque: the coordinator transports it faithfully and never interprets it.
type Envelope struct {
	Kind      EnvelopeKind    `json:"kind"`
	SessionID string          `json:"session_id"`
	Signal    json.RawMessage `json:"signal"`
}

// FrameEnvelope encodes an envelope into a scannable/pastable blob.
func FrameEnvelope(env Envelope) (string, error) {
	if env.SessionID == "" {
		return "", fmt.Errorf("session: refusing to frame envelope without session id")
	}
	return codec.Encode(env)
}

// ParseEnvelope decodes a blob back into an envelope, validating shape.
func ParseEnvelope(blob string) (*Envelope, error) {
	var env Envelope
	if err := codec.Decode(blob, &env); err != nil {
		return nil, err
	}
	if env.Kind != KindOffer && env.Kind != KindAnswer {
		return nil, fmt.Errorf("%w: unknown envelope kind %q", codec.ErrDecode, env.Kind)
	}
	if env.SessionID == "" || len(env.Signal) == 0 {
		return nil, fmt.Errorf("%w: envelope missing session id or signal", codec.ErrDecode)
	}
	return &env, nil
}
