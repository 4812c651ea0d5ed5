package transport

import (
	"encoding/json"
)

// Frame types of the WebSocket topic protocol.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameEvent = "event"
)

// Frame is one WebSocket text message. Payload is only set on event frames
// and must be JSON.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
