package signal

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEncodeDecodeOffer(t *testing.T) {
	data, err := Encode(Envelope{Kind: KindOffer, SDP: "v=0 fake-offer", SenderID: "provider-1"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Kind != KindOffer || env.SDP != "v=0 fake-offer" || env.SenderID != "provider-1" {
		t.Errorf("round trip mismatch: %+v", env)
	}
}

func TestDecodeICECandidate(t *testing.T) {
	sdpMid := "0"
	data, err := Encode(Envelope{
		Kind:      KindICE,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host", SDPMid: &sdpMid},
		SenderID:  "client-1",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Candidate == nil {
		t.Fatal("candidate missing after round trip")
	}
	if env.Candidate.SDPMid == nil || *env.Candidate.SDPMid != "0" {
		t.Errorf("sdpMid lost: %+v", env.Candidate)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not JSON":       `{{{`,
		"unknown kind":   `{"kind":"hangup","senderId":"x"}`,
		"offer no sdp":   `{"kind":"offer","senderId":"x"}`,
		"ice no cand":    `{"kind":"ice","senderId":"x"}`,
		"missing sender": `{"kind":"offer","sdp":"v=0"}`,
	}

	for name, payload := range cases {
		_, err := Decode([]byte(payload))
		if err == nil {
			t.Errorf("%s: expected decode error", name)
			continue
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: expected *DecodeError, got %T", name, err)
		}
	}
}

func TestChatMessageRoundTrip(t *testing.T) {
	data, err := EncodeChat(ChatMessage{
		SessionID:  "sess-1",
		SenderID:   "client-1",
		SenderRole: "CLIENT",
		Message:    "hello",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := DecodeChat(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Message != "hello" || msg.SenderRole != "CLIENT" {
		t.Errorf("round trip mismatch: %+v", msg)
	}
	if msg.Timestamp != "" {
		t.Errorf("timestamp should be absent unless relay-stamped, got %q", msg.Timestamp)
	}
}

func TestTopicsDeriveFromSessionID(t *testing.T) {
	if SignalTopic("abc") == ChatTopic("abc") {
		t.Error("signal and chat topics must be disjoint")
	}
	if SignalTopic("abc") != SignalTopic("abc") {
		t.Error("topic derivation must be deterministic")
	}
}
