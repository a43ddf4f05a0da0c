package relay

import "encoding/json"

// Frame is the wire unit exchanged with the relay: one JSON object per
// WebSocket text frame.
type Frame struct {
	Type    string          `json:"type"` // "subscribe", "unsubscribe", "publish", "message", "ping", "pong"
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameMessage     = "message"
	framePing        = "ping"
	framePong        = "pong"
)

// State describes the relay connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives one inbound payload per message on a subscribed topic,
// in relay delivery order.
type Handler = func(payload []byte)
