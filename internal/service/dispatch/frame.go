package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caseline/relay/internal/model/relay"
)

// ErrMalformed marks a frame that cannot be decoded into a message.
var ErrMalformed = errors.New("malformed message")

// Frame is an inbound client frame. REGISTER frames carry userId/userType
// either at the top level or inside the payload.
type Frame struct {
	Type     relay.MessageType
	Payload  map[string]any
	UserID   string
	UserType string
}

type wireFrame struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	UserID   string          `json:"userId"`
	UserType string          `json:"userType"`
}

// DecodeFrame parses a raw text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	frame := Frame{
		Type:     relay.MessageType(wire.Type),
		UserID:   wire.UserID,
		UserType: wire.UserType,
	}

	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			return Frame{}, fmt.Errorf("%w: payload must be an object", ErrMalformed)
		}
		if err := json.Unmarshal(raw, &frame.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if frame.Type == relay.TypeRegister {
		if frame.UserID == "" {
			frame.UserID, _ = frame.Payload["userId"].(string)
		}
		if frame.UserType == "" {
			frame.UserType, _ = frame.Payload["userType"].(string)
		}
	}

	return frame, nil
}
