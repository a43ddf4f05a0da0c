package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/carelink/callpeer/pkg/carehub"
	"github.com/carelink/callpeer/pkg/chat"
	"github.com/carelink/callpeer/pkg/media"
	"github.com/carelink/callpeer/pkg/negotiation"
	"github.com/carelink/callpeer/pkg/relay"
	"github.com/carelink/callpeer/pkg/signal"
)

// Participant roles as the backend reports them. The provider holds
// session-closing authority and acts as negotiation initiator.
const (
	RoleProvider = "PROVIDER"
	RoleClient   = "CLIENT"
)

// Phase is the session lifecycle.
type Phase int32

const (
	PhaseUnstarted Phase = iota
	PhaseActive
	PhaseEnding
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	case PhaseEnded:
		return "ended"
	default:
		return "unstarted"
	}
}

// Identity carries the local participant's identity and credentials
// explicitly. Nothing below the controller reads ambient state.
type Identity struct {
	LocalID   string
	LocalRole string // RoleProvider or RoleClient
	AuthToken string
}

// Config holds controller construction parameters.
type Config struct {
	Identity   Identity
	RelayURL   string
	ICEServers []webrtc.ICEServer
	// Backend is optional; without it the controller skips all collaborator
	// calls (history preload, message analysis, end-of-session submission).
	Backend    *carehub.Client
	OfferDelay time.Duration
	// Media overrides device capture with a prebuilt stream. Nil means
	// capture from the local camera/microphone.
	Media  *media.Stream
	Logger *slog.Logger
}

// Controller wires the relay, negotiation, chat, and local media for one
// call and owns their teardown order. It is the only owner of the relay
// connection's lifecycle.
type Controller struct {
	identity      Identity
	relayURL      string
	iceServers    []webrtc.ICEServer
	backend       *carehub.Client
	offerDelay    time.Duration
	mediaOverride *media.Stream
	logger        *slog.Logger

	sessionID  string
	relayConn  *relay.Client
	negotiator *negotiation.Negotiator
	chatCh     *chat.Channel
	localMedia *media.Stream
	remoteSink *media.Sink

	phase atomic.Int32
}

// NewController creates a controller in UNSTARTED.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Identity.LocalID == "" {
		return nil, fmt.Errorf("local participant ID is required")
	}
	if cfg.Identity.LocalRole != RoleProvider && cfg.Identity.LocalRole != RoleClient {
		return nil, fmt.Errorf("unknown participant role %q", cfg.Identity.LocalRole)
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		identity:      cfg.Identity,
		relayURL:      cfg.RelayURL,
		iceServers:    cfg.ICEServers,
		backend:       cfg.Backend,
		offerDelay:    cfg.OfferDelay,
		mediaOverride: cfg.Media,
		logger:        cfg.Logger,
	}, nil
}

// Start acquires local media, wires negotiation and chat onto one relay
// connection, and transitions to ACTIVE. A media permission failure aborts
// the start and is returned to the caller (media.ErrAccessDenied); it is
// fatal to the call and never retried here.
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	if !c.phase.CompareAndSwap(int32(PhaseUnstarted), int32(PhaseActive)) {
		return fmt.Errorf("session already started (phase %s)", c.Phase())
	}
	c.sessionID = sessionID
	logger := c.logger.With("sessionID", sessionID, "role", c.identity.LocalRole)

	if c.mediaOverride != nil {
		c.localMedia = c.mediaOverride
	} else {
		localMedia, err := media.Capture(logger)
		if err != nil {
			c.phase.Store(int32(PhaseEnded))
			return fmt.Errorf("start session: %w", err)
		}
		c.localMedia = localMedia
	}
	c.remoteSink = media.NewSink(logger)

	c.relayConn = relay.NewClient(relay.Config{URL: c.relayURL, Logger: logger})

	role := negotiation.RoleResponder
	if c.identity.LocalRole == RoleProvider {
		role = negotiation.RoleInitiator
	}

	neg, err := negotiation.New(negotiation.Config{
		SessionID:  sessionID,
		LocalID:    c.identity.LocalID,
		Role:       role,
		ICEServers: c.iceServers,
		Transport:  c.relayConn,
		Local:      c.localMedia,
		Remote:     c.remoteSink,
		OfferDelay: c.offerDelay,
		Logger:     logger,
	})
	if err != nil {
		c.abortStart()
		return fmt.Errorf("start session: %w", err)
	}
	c.negotiator = neg

	if err := neg.CreatePeerConnection(); err != nil {
		c.abortStart()
		return fmt.Errorf("start session: %w", err)
	}

	c.chatCh = chat.New(chat.Config{
		SessionID: sessionID,
		LocalID:   c.identity.LocalID,
		LocalRole: c.identity.LocalRole,
		Transport: c.relayConn,
		Logger:    logger,
	})
	c.preloadChatHistory(ctx)
	c.chatCh.Attach()
	c.watchChatSentiment()

	// Relay readiness re-arms the initiator's offer; the delay gives the
	// responder time to finish subscribing.
	if err := c.relayConn.Connect(ctx, neg.ScheduleOffer); err != nil {
		c.abortStart()
		return fmt.Errorf("start session: %w", err)
	}

	logger.Info("session active")
	return nil
}

// preloadChatHistory seeds the transcript from the backend, best-effort.
func (c *Controller) preloadChatHistory(ctx context.Context) {
	if c.backend == nil {
		return
	}

	history, err := c.backend.GetChatHistory(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("could not preload chat history", "error", err)
		return
	}

	seed := make([]signal.ChatMessage, 0, len(history))
	for _, m := range history {
		seed = append(seed, signal.ChatMessage{
			SessionID:  m.SessionID,
			SenderID:   m.SenderID,
			SenderRole: m.SenderRole,
			Message:    m.Message,
			Timestamp:  m.Timestamp,
		})
	}
	c.chatCh.Seed(seed)
}

// watchChatSentiment forwards remote chat messages to the analysis
// collaborator. Best-effort and asynchronous; results are log-only here.
func (c *Controller) watchChatSentiment() {
	if c.backend == nil {
		return
	}

	c.chatCh.OnMessage(func(msg signal.ChatMessage) {
		if msg.SenderID == c.identity.LocalID {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s, err := c.backend.AnalyzeMessage(ctx, c.sessionID, msg.Message, msg.SenderID)
			if err != nil {
				c.logger.Debug("message analysis unavailable", "error", err)
				return
			}
			c.logger.Debug("message sentiment", "label", s.Label, "score", s.Score)
		}()
	})
}

// abortStart releases whatever Start had built before failing.
func (c *Controller) abortStart() {
	if c.negotiator != nil {
		c.negotiator.Close()
	}
	if c.remoteSink != nil {
		c.remoteSink.Close()
	}
	if c.localMedia != nil {
		c.localMedia.Close()
	}
	if c.chatCh != nil {
		c.chatCh.Close()
	}
	if c.relayConn != nil {
		c.relayConn.Disconnect()
	}
	c.phase.Store(int32(PhaseEnded))
}

// End tears the session down. A provider notifies the backend (submitting
// the summary when supplied); a client leaving skips the backend entirely
// and the call may continue for the other participant. Collaborator
// failures are logged and never block local teardown. Safe to call in any
// phase, including repeatedly.
func (c *Controller) End(ctx context.Context, summary *carehub.Summary) {
	for {
		current := c.phase.Load()
		if current == int32(PhaseEnding) || current == int32(PhaseEnded) {
			return
		}
		if c.phase.CompareAndSwap(current, int32(PhaseEnding)) {
			break
		}
	}

	if c.identity.LocalRole == RoleProvider && c.backend != nil && c.sessionID != "" {
		if err := c.backend.EndSession(ctx, c.sessionID, summary); err != nil {
			c.logger.Warn("could not reach session backend, proceeding with teardown", "error", err)
		}
	}

	// Teardown order: negotiation, then local media, then the relay.
	if c.negotiator != nil {
		c.negotiator.Close()
	}
	if c.remoteSink != nil {
		c.remoteSink.Close()
	}
	if c.localMedia != nil {
		c.localMedia.Close()
	}
	if c.chatCh != nil {
		c.chatCh.Close()
	}
	if c.relayConn != nil {
		c.relayConn.Disconnect()
	}

	c.phase.Store(int32(PhaseEnded))
	c.logger.Info("session ended", "sessionID", c.sessionID)
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Chat returns the session chat channel, nil before Start.
func (c *Controller) Chat() *chat.Channel { return c.chatCh }

// Negotiation returns the negotiator, nil before Start.
func (c *Controller) Negotiation() *negotiation.Negotiator { return c.negotiator }

// HasRemoteMedia reports whether any remote track has arrived.
func (c *Controller) HasRemoteMedia() bool {
	return c.remoteSink != nil && c.remoteSink.HasMedia()
}

// RemoteAudioLevel returns the smoothed remote audio level in [0,1].
func (c *Controller) RemoteAudioLevel() float32 {
	if c.remoteSink == nil {
		return 0
	}
	return c.remoteSink.AudioLevel()
}

// ToggleAudio flips the local microphone gate; returns the muted state.
func (c *Controller) ToggleAudio() bool {
	if c.localMedia == nil {
		return false
	}
	return c.localMedia.ToggleAudio()
}

// ToggleVideo flips the local camera gate; returns the camera-off state.
func (c *Controller) ToggleVideo() bool {
	if c.localMedia == nil {
		return false
	}
	return c.localMedia.ToggleVideo()
}
