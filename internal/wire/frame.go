package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is one discrete message exchanged over the persistent
// connection, tagged with a type discriminator.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recognized frame types. Unknown types are dropped by the dispatch
// loop for forward compatibility.
const (
	FrameMessageNew       = "message:new"
	FrameMessageRead      = "message:read"
	FrameMessageDelivered = "message:delivered"
	FrameTyping           = "conversation:typing"
	FramePresenceUpdate   = "presence:update"
)

// ErrMalformedFrame wraps JSON decode failures on inbound frames.
var ErrMalformedFrame = errors.New("malformed frame")

// NewFrame builds an outbound frame with the payload marshalled and the
// timestamp set to now.
func NewFrame(frameType string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return &Frame{
		Type:      frameType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode parses raw bytes into a frame. A decode failure or a missing
// type discriminator yields ErrMalformedFrame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrMalformedFrame)
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Encode serializes the frame for the transport.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
