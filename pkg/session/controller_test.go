package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/carelink/callpeer/pkg/carehub"
	"github.com/carelink/callpeer/pkg/media"
	"github.com/carelink/callpeer/test"
)

func startRelay(t *testing.T) *test.MockRelay {
	t.Helper()

	mock, err := test.StartMockRelay(0, nil)
	if err != nil {
		t.Fatalf("failed to start mock relay: %v", err)
	}
	t.Cleanup(func() { mock.Close() })

	return mock
}

func newTestController(t *testing.T, role, relayURL string, backend *carehub.Client) *Controller {
	t.Helper()

	c, err := NewController(Config{
		Identity: Identity{LocalID: "me-1", LocalRole: role},
		RelayURL: relayURL,
		Backend:  backend,
		Media:    media.NewStream(nil, nil, nil, nil),
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	t.Cleanup(func() { c.End(context.Background(), nil) })

	return c
}

func TestNewControllerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing participant ID",
			cfg:  Config{Identity: Identity{LocalRole: RoleClient}, RelayURL: "ws://x"},
		},
		{
			name: "unknown role",
			cfg:  Config{Identity: Identity{LocalID: "a", LocalRole: "ADMIN"}, RelayURL: "ws://x"},
		},
		{
			name: "missing relay URL",
			cfg:  Config{Identity: Identity{LocalID: "a", LocalRole: RoleClient}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestStartAndEnd walks a session through ACTIVE to ENDED and verifies End
// is idempotent.
func TestStartAndEnd(t *testing.T) {
	mock := startRelay(t)
	c := newTestController(t, RoleClient, mock.URL(), nil)

	if c.Phase() != PhaseUnstarted {
		t.Fatalf("phase = %s, want unstarted", c.Phase())
	}

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.Phase() != PhaseActive {
		t.Errorf("phase = %s, want active", c.Phase())
	}
	if c.Chat() == nil || c.Negotiation() == nil {
		t.Error("chat and negotiation should exist after Start")
	}

	c.End(context.Background(), nil)
	if c.Phase() != PhaseEnded {
		t.Errorf("phase = %s, want ended", c.Phase())
	}

	c.End(context.Background(), nil)
	if c.Phase() != PhaseEnded {
		t.Errorf("phase after second End = %s, want ended", c.Phase())
	}
}

// TestStartTwiceRejected verifies a controller drives at most one session.
func TestStartTwiceRejected(t *testing.T) {
	mock := startRelay(t)
	c := newTestController(t, RoleClient, mock.URL(), nil)

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(context.Background(), "sess-1"); err == nil {
		t.Error("second Start should fail")
	}
}

// TestProviderEndSubmitsSummary verifies the provider notifies the backend
// with the summary payload on End.
func TestProviderEndSubmitsSummary(t *testing.T) {
	var mu sync.Mutex
	var endBody []byte
	endCalls := 0

	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sessions/sess-1/end" {
			mu.Lock()
			endCalls++
			endBody, _ = io.ReadAll(r.Body)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	mock := startRelay(t)
	backend := carehub.NewClient(carehub.Config{BaseURL: backendSrv.URL})
	c := newTestController(t, RoleProvider, mock.URL(), backend)

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.End(context.Background(), &carehub.Summary{Notes: "stable", Reviewed: true})

	mu.Lock()
	defer mu.Unlock()
	if endCalls != 1 {
		t.Fatalf("end endpoint called %d times, want 1", endCalls)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(endBody, &body); err != nil {
		t.Fatalf("end body is not valid JSON: %v", err)
	}
	if body["notes"] != "stable" {
		t.Errorf("body.notes = %v, want stable", body["notes"])
	}
}

// TestClientEndSkipsBackend verifies a client leaving never closes the
// session backend-side.
func TestClientEndSkipsBackend(t *testing.T) {
	var mu sync.Mutex
	endCalls := 0

	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sessions/sess-1/end" {
			mu.Lock()
			endCalls++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	mock := startRelay(t)
	backend := carehub.NewClient(carehub.Config{BaseURL: backendSrv.URL})
	c := newTestController(t, RoleClient, mock.URL(), backend)

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.End(context.Background(), nil)

	mu.Lock()
	defer mu.Unlock()
	if endCalls != 0 {
		t.Errorf("end endpoint called %d times, want 0", endCalls)
	}
}

// TestEndWithUnreachableBackend verifies teardown completes even when the
// collaborator cannot be reached.
func TestEndWithUnreachableBackend(t *testing.T) {
	mock := startRelay(t)
	backend := carehub.NewClient(carehub.Config{BaseURL: "http://127.0.0.1:1"})
	c := newTestController(t, RoleProvider, mock.URL(), backend)

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.End(ctx, &carehub.Summary{Notes: "unreachable"})

	if c.Phase() != PhaseEnded {
		t.Errorf("phase = %s, want ended", c.Phase())
	}
}

// TestStartPreloadsChatHistory verifies the transcript is seeded from the
// backend before live messages arrive.
func TestStartPreloadsChatHistory(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sessions/sess-1/chat" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"m1","sessionId":"sess-1","senderId":"p1","senderRole":"PROVIDER","message":"earlier","timestamp":"2026-08-29T10:00:00Z"}]`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	mock := startRelay(t)
	backend := carehub.NewClient(carehub.Config{BaseURL: backendSrv.URL})
	c := newTestController(t, RoleClient, mock.URL(), backend)

	if err := c.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	msgs := c.Chat().Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(msgs))
	}
	if msgs[0].Message != "earlier" {
		t.Errorf("seeded message = %q, want earlier", msgs[0].Message)
	}
}

// TestEndBeforeStart verifies End in UNSTARTED is safe and terminal.
func TestEndBeforeStart(t *testing.T) {
	c, err := NewController(Config{
		Identity: Identity{LocalID: "me-1", LocalRole: RoleClient},
		RelayURL: "ws://127.0.0.1:1",
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	c.End(context.Background(), nil)
	if c.Phase() != PhaseEnded {
		t.Errorf("phase = %s, want ended", c.Phase())
	}
	if err := c.Start(context.Background(), "sess-1"); err == nil {
		t.Error("Start after End should fail")
	}
}

// TestTogglesBeforeStart verifies media toggles are harmless before media
// exists.
func TestTogglesBeforeStart(t *testing.T) {
	c, err := NewController(Config{
		Identity: Identity{LocalID: "me-1", LocalRole: RoleClient},
		RelayURL: "ws://127.0.0.1:1",
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	if c.ToggleAudio() || c.ToggleVideo() {
		t.Error("toggles before Start should report enabled state unchanged")
	}
	if c.HasRemoteMedia() {
		t.Error("no remote media before Start")
	}
	if c.RemoteAudioLevel() != 0 {
		t.Error("audio level should be 0 before Start")
	}
}
