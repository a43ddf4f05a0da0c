package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// defaultReconnectDelay is the fixed pause before each reconnection
	// attempt after an unexpected drop.
	defaultReconnectDelay = 5 * time.Second
	// keepAliveInterval drives outbound pings; the relay answers with pongs.
	keepAliveInterval = 10 * time.Second
	// readTimeout bounds silence on the wire. Inbound keep-alives reset it,
	// so it only fires on a genuinely dead connection.
	readTimeout = 30 * time.Second

	handshakeTimeout = 10 * time.Second
)

// Client maintains one logical pub/sub connection to the relay with
// automatic reconnection and bidirectional keep-alive. Topic handlers are
// invoked from a single read loop, one message at a time, in delivery order.
type Client struct {
	url            string
	logger         *slog.Logger
	onReady        func()
	reconnectDelay time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	state    atomic.Int32
	closed   atomic.Bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Config holds relay client configuration.
type Config struct {
	URL    string // relay WebSocket URL
	Logger *slog.Logger
}

// NewClient creates a relay client. No connection is attempted until Connect.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		url:            cfg.URL,
		logger:         cfg.Logger,
		reconnectDelay: defaultReconnectDelay,
		handlers:       make(map[string]Handler),
		closeCh:        make(chan struct{}),
	}
}

// Connect establishes the relay connection. onReady is invoked exactly once
// per successful connection, including every automatic reconnection. The
// initial dial failing is returned as an error; drops after that are handled
// internally with a fixed-delay retry.
func (c *Client) Connect(ctx context.Context, onReady func()) error {
	c.onReady = onReady
	c.state.Store(int32(StateConnecting))

	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.logger.Error("failed to connect to relay", "url", c.url, "error", err)
		return err
	}

	c.wg.Add(1)
	go c.keepAliveLoop()

	c.startSession()
	return nil
}

// dial opens the WebSocket and replays subscriptions for all registered
// topics so handlers survive reconnection.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.writeFrame(Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.logger.Error("failed to resubscribe", "topic", topic, "error", err)
		}
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info("connected to relay", "url", c.url)
	return nil
}

// startSession launches the read loop for the current connection and signals
// readiness. The keep-alive loop is per-client, not per-connection; it is
// started once in Connect.
func (c *Client) startSession() {
	c.wg.Add(1)
	go c.readLoop()

	if c.onReady != nil {
		c.onReady()
	}
}

// Subscribe registers a handler for a topic. Safe to call before Connect;
// the subscription is sent (and re-sent after reconnects) once connected.
func (c *Client) Subscribe(topic string, handler Handler) {
	c.mu.Lock()
	c.handlers[topic] = handler
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			c.logger.Error("failed to subscribe", "topic", topic, "error", err)
		}
	}
}

// Unsubscribe removes the handler for a topic and tells the relay to stop
// delivery. No-op for topics never subscribed.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	_, known := c.handlers[topic]
	delete(c.handlers, topic)
	connected := c.conn != nil
	c.mu.Unlock()

	if known && connected {
		if err := c.writeFrame(Frame{Type: frameUnsubscribe, Topic: topic}); err != nil {
			c.logger.Debug("failed to unsubscribe", "topic", topic, "error", err)
		}
	}
}

// Publish sends a payload to a topic, fire-and-forget. Publishing while
// disconnected is a logged no-op: signaling retries happen at the state
// machine layer, not here.
func (c *Client) Publish(topic string, payload []byte) {
	if c.State() != StateConnected {
		c.logger.Warn("publish while disconnected, dropping", "topic", topic)
		return
	}

	if err := c.writeFrame(Frame{Type: framePublish, Topic: topic, Payload: payload}); err != nil {
		c.logger.Warn("publish failed, dropping", "topic", topic, "error", err)
	}
}

func (c *Client) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames and dispatches topic messages to handlers. On read
// failure it drops the connection and hands off to the reconnect loop.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("relay read error", "error", err)
			c.dropConnection()
			c.wg.Add(1)
			go c.reconnectLoop()
			return
		}

		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("malformed relay frame, dropping", "error", err)
		return
	}

	switch f.Type {
	case frameMessage:
		c.mu.Lock()
		handler := c.handlers[f.Topic]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debug("message for topic without handler", "topic", f.Topic)
			return
		}
		handler(f.Payload)

	case framePing:
		if err := c.writeFrame(Frame{Type: framePong}); err != nil {
			c.logger.Debug("failed to answer ping", "error", err)
		}

	case framePong:
		// Keep-alive response, nothing to do.

	default:
		c.logger.Debug("unknown relay frame type", "type", f.Type)
	}
}

// keepAliveLoop sends periodic pings so silent failures surface as read
// timeouts on the other side.
func (c *Client) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.writeFrame(Frame{Type: framePing}); err != nil {
				c.logger.Debug("keep-alive ping failed", "error", err)
			}
		}
	}
}

// reconnectLoop retries the connection with a fixed delay until it succeeds
// or the client is disconnected.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	c.state.Store(int32(StateConnecting))

	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(c.reconnectDelay):
		}

		c.logger.Info("attempting relay reconnection", "url", c.url)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("relay reconnection failed", "error", err)
			continue
		}

		c.startSession()
		return
	}
}

// dropConnection closes the current socket without stopping the client.
func (c *Client) dropConnection() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Disconnect tears down the connection and stops reconnection attempts.
// Idempotent.
func (c *Client) Disconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	close(c.closeCh)
	c.dropConnection()
	c.wg.Wait()
	c.logger.Info("disconnected from relay", "url", c.url)
}
