package chat

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/carelink/callpeer/pkg/signal"
)

// Transport is the slice of the relay the chat channel needs.
type Transport interface {
	Subscribe(topic string, handler func(payload []byte))
	Unsubscribe(topic string)
	Publish(topic string, payload []byte)
}

// Config holds chat channel construction parameters.
type Config struct {
	SessionID string
	LocalID   string
	LocalRole string
	Transport Transport
	Logger    *slog.Logger
}

// Channel is the session-scoped chat stream. Unlike signaling, chat does not
// filter the sender's own messages: the sender needs its message back in the
// transcript, and "mine versus theirs" is decided by comparing SenderID.
type Channel struct {
	sessionID string
	localID   string
	localRole string
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	log      []signal.ChatMessage
	handlers []func(signal.ChatMessage)

	closed atomic.Bool
}

// New creates a chat channel. Call Attach to start receiving.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		sessionID: cfg.SessionID,
		localID:   cfg.LocalID,
		localRole: cfg.LocalRole,
		transport: cfg.Transport,
		logger:    cfg.Logger.With("sessionID", cfg.SessionID),
	}
}

// Seed preloads messages into the local transcript, for chat history fetched
// from the collaborator before the relay subscription starts.
func (c *Channel) Seed(history []signal.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, history...)
}

// Attach subscribes to the session's chat topic. Messages are appended to
// the transcript strictly in relay delivery order; timestamps are display
// metadata only.
func (c *Channel) Attach() {
	c.transport.Subscribe(signal.ChatTopic(c.sessionID), c.handlePayload)
}

func (c *Channel) handlePayload(payload []byte) {
	if c.closed.Load() {
		return
	}

	msg, err := signal.DecodeChat(payload)
	if err != nil {
		c.logger.Warn("discarding malformed chat message", "error", err)
		return
	}

	c.mu.Lock()
	c.log = append(c.log, msg)
	handlers := make([]func(signal.ChatMessage), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// OnMessage registers a handler invoked for every message on the topic,
// including the local participant's own, in delivery order.
func (c *Channel) OnMessage(h func(signal.ChatMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Send publishes a chat message. Fire-and-forget: delivery (including the
// local echo) comes back through the subscription.
func (c *Channel) Send(text string) {
	if text == "" || c.closed.Load() {
		return
	}

	data, err := signal.EncodeChat(signal.ChatMessage{
		SessionID:  c.sessionID,
		SenderID:   c.localID,
		SenderRole: c.localRole,
		Message:    text,
	})
	if err != nil {
		c.logger.Error("failed to encode chat message", "error", err)
		return
	}

	c.transport.Publish(signal.ChatTopic(c.sessionID), data)
}

// Messages returns a copy of the transcript in delivery order.
func (c *Channel) Messages() []signal.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.ChatMessage, len(c.log))
	copy(out, c.log)
	return out
}

// Close unsubscribes from the chat topic. Idempotent.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.transport.Unsubscribe(signal.ChatTopic(c.sessionID))
}
