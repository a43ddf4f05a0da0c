package signal

import "encoding/json"

// ChatMessage is one message on the session's chat topic. Timestamp is
// stamped by the relay when supported and is display-only: transcript order
// is relay delivery order, never timestamp order.
type ChatMessage struct {
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// EncodeChat marshals a chat message for publishing.
func EncodeChat(msg ChatMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeChat unmarshals a chat message. Failures are returned as a
// *DecodeError so chat handlers can log and discard uniformly with signaling.
func DecodeChat(data []byte) (ChatMessage, error) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ChatMessage{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if msg.SenderID == "" {
		return ChatMessage{}, &DecodeError{Reason: "missing senderId"}
	}
	return msg, nil
}
