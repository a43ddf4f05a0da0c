package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates the signaling envelope union.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindICE    Kind = "ice"
)

// Envelope is one signaling message on the session's signal topic.
// SenderID always identifies the publishing participant: the relay topic is
// shared by both participants and may echo a message back to its sender, so
// receivers must compare SenderID against their own ID and drop matches.
type Envelope struct {
	Kind      Kind                     `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	SenderID  string                   `json:"senderId"`
}

// DecodeError reports a malformed envelope payload. Receivers log and
// discard; a bad payload must never take down the signal handler.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode signal envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode signal envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode marshals an envelope for publishing.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode unmarshals and validates an envelope. Any failure is returned as a
// *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	if env.SenderID == "" {
		return Envelope{}, &DecodeError{Reason: "missing senderId"}
	}

	switch env.Kind {
	case KindOffer, KindAnswer:
		if env.SDP == "" {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("%s without sdp", env.Kind)}
		}
	case KindICE:
		if env.Candidate == nil {
			return Envelope{}, &DecodeError{Reason: "ice without candidate"}
		}
	default:
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", string(env.Kind))}
	}

	return env, nil
}
