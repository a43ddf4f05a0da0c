package test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/carelink/callpeer/pkg/media"
	"github.com/carelink/callpeer/pkg/negotiation"
	"github.com/carelink/callpeer/pkg/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func startPeer(t *testing.T, relayURL, id, role string) *session.Controller {
	t.Helper()

	c, err := session.NewController(session.Config{
		Identity:   session.Identity{LocalID: id, LocalRole: role},
		RelayURL:   relayURL,
		OfferDelay: 200 * time.Millisecond,
		Media:      media.NewStream(nil, nil, nil, testLogger()),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create %s controller: %v", role, err)
	}
	t.Cleanup(func() { c.End(context.Background(), nil) })

	if err := c.Start(context.Background(), "sess-int"); err != nil {
		t.Fatalf("failed to start %s session: %v", role, err)
	}

	return c
}

func waitForState(t *testing.T, c *session.Controller, want negotiation.State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for c.Negotiation().State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for state %s, still %s", want, c.Negotiation().State())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestProviderClientCallSetup runs a full exchange over the relay: the
// provider offers after its fixed delay, the client answers, candidates
// trickle both ways, and both peer connections reach CONNECTED.
func TestProviderClientCallSetup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockRelay(0, testLogger())
	if err != nil {
		t.Fatalf("failed to start mock relay: %v", err)
	}
	defer mock.Close()

	client := startPeer(t, mock.URL(), "client-1", session.RoleClient)
	provider := startPeer(t, mock.URL(), "provider-1", session.RoleProvider)

	if err := mock.WaitForConnections(2, 5*time.Second); err != nil {
		t.Fatalf("relay connection timeout: %v", err)
	}

	waitForState(t, provider, negotiation.StateConnected, 15*time.Second)
	waitForState(t, client, negotiation.StateConnected, 15*time.Second)
}

// TestChatAcrossRelay verifies both participants converge on the same
// transcript, each seeing its own messages via relay echo.
func TestChatAcrossRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockRelay(0, testLogger())
	if err != nil {
		t.Fatalf("failed to start mock relay: %v", err)
	}
	defer mock.Close()

	client := startPeer(t, mock.URL(), "client-1", session.RoleClient)
	provider := startPeer(t, mock.URL(), "provider-1", session.RoleProvider)

	if err := mock.WaitForConnections(2, 5*time.Second); err != nil {
		t.Fatalf("relay connection timeout: %v", err)
	}

	provider.Chat().Send("how are you feeling today")

	deadline := time.Now().Add(5 * time.Second)
	for len(client.Chat().Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never received the provider's message")
		}
		time.Sleep(20 * time.Millisecond)
	}

	client.Chat().Send("a bit better, thanks")

	deadline = time.Now().Add(5 * time.Second)
	for len(provider.Chat().Messages()) < 2 || len(client.Chat().Messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("transcripts incomplete: provider %d, client %d",
				len(provider.Chat().Messages()), len(client.Chat().Messages()))
		}
		time.Sleep(20 * time.Millisecond)
	}

	pm := provider.Chat().Messages()
	cm := client.Chat().Messages()
	if len(pm) != len(cm) {
		t.Fatalf("transcript lengths differ: provider %d, client %d", len(pm), len(cm))
	}
	for i := range pm {
		if pm[i].Message != cm[i].Message || pm[i].SenderID != cm[i].SenderID {
			t.Errorf("position %d differs: provider saw %+v, client saw %+v", i, pm[i], cm[i])
		}
	}
	if pm[0].SenderID != "provider-1" {
		t.Errorf("first message senderId = %q, want provider-1", pm[0].SenderID)
	}
}

// TestSessionTeardownReleasesRelay verifies both ends leaving drops every
// relay connection.
func TestSessionTeardownReleasesRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockRelay(0, testLogger())
	if err != nil {
		t.Fatalf("failed to start mock relay: %v", err)
	}
	defer mock.Close()

	client := startPeer(t, mock.URL(), "client-1", session.RoleClient)
	provider := startPeer(t, mock.URL(), "provider-1", session.RoleProvider)

	if err := mock.WaitForConnections(2, 5*time.Second); err != nil {
		t.Fatalf("relay connection timeout: %v", err)
	}

	provider.End(context.Background(), nil)
	client.End(context.Background(), nil)

	deadline := time.Now().Add(5 * time.Second)
	for mock.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay still has %d connections after teardown", mock.ClientCount())
		}
		time.Sleep(50 * time.Millisecond)
	}

	if provider.Phase() != session.PhaseEnded || client.Phase() != session.PhaseEnded {
		t.Errorf("phases = %s, %s, want ended, ended",
			provider.Phase(), client.Phase())
	}
}
