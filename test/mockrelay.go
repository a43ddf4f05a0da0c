package test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockRelay simulates the pub/sub relay for testing. It keeps a per-topic
// subscriber registry and broadcasts published payloads to every subscriber
// of the topic, including the publisher.
type MockRelay struct {
	listener  net.Listener
	server    *http.Server
	logger    *slog.Logger
	clients   map[*relayConn]bool
	clientsMu sync.Mutex
	done      chan struct{}
}

// relayConn wraps a WebSocket connection with its topic subscriptions and a
// write lock, since broadcasts originate from other clients' read goroutines.
type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]bool
}

func (rc *relayConn) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

// StartMockRelay starts a mock relay server on the given port (0 = auto-assign)
func StartMockRelay(port int, logger *slog.Logger) (*MockRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mock := &MockRelay{
		listener: listener,
		logger:   logger,
		clients:  make(map[*relayConn]bool),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", mock.handleWebSocket)

	mock.server = &http.Server{
		Handler: mux,
	}

	go func() {
		if err := mock.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock relay server error", "error", err)
		}
	}()

	logger.Info("mock relay server started", "addr", listener.Addr().String())

	return mock, nil
}

// URL returns the WebSocket URL for this mock server
func (m *MockRelay) URL() string {
	return fmt.Sprintf("ws://%s", m.listener.Addr().String())
}

// handleWebSocket handles incoming WebSocket connections
func (m *MockRelay) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	rc := &relayConn{
		conn:   conn,
		topics: make(map[string]bool),
	}

	m.clientsMu.Lock()
	m.clients[rc] = true
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, rc)
		m.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var frame struct {
			Type    string          `json:"type"`
			Topic   string          `json:"topic,omitempty"`
			Payload json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Debug("failed to parse frame", "error", err, "data", string(data))
			continue
		}

		m.logger.Debug("relay received frame", "type", frame.Type, "topic", frame.Topic)

		switch frame.Type {
		case "subscribe":
			m.clientsMu.Lock()
			rc.topics[frame.Topic] = true
			m.clientsMu.Unlock()

		case "unsubscribe":
			m.clientsMu.Lock()
			delete(rc.topics, frame.Topic)
			m.clientsMu.Unlock()

		case "publish":
			m.deliver(frame.Topic, frame.Payload)

		case "ping":
			if err := rc.write(map[string]interface{}{"type": "pong"}); err != nil {
				m.logger.Debug("failed to answer ping", "error", err)
			}
		}
	}
}

// deliver fans a published payload out to every subscriber of the topic.
// The publisher receives its own message when subscribed, matching a
// broker's topic semantics.
func (m *MockRelay) deliver(topic string, payload json.RawMessage) {
	msg := map[string]interface{}{
		"type":    "message",
		"topic":   topic,
		"payload": payload,
	}

	m.clientsMu.Lock()
	targets := make([]*relayConn, 0, len(m.clients))
	for rc := range m.clients {
		if rc.topics[topic] {
			targets = append(targets, rc)
		}
	}
	m.clientsMu.Unlock()

	for _, rc := range targets {
		if err := rc.write(msg); err != nil {
			m.logger.Debug("failed to deliver message", "topic", topic, "error", err)
		}
	}
}

// Publish injects a payload into a topic as if a peer had published it.
func (m *MockRelay) Publish(topic string, payload []byte) {
	m.deliver(topic, payload)
}

// DropAllConnections force-closes every client socket without stopping the
// server, for exercising client reconnection.
func (m *MockRelay) DropAllConnections() {
	m.clientsMu.Lock()
	for rc := range m.clients {
		rc.conn.Close()
	}
	m.clientsMu.Unlock()
}

// Close stops the mock server
func (m *MockRelay) Close() error {
	close(m.done)

	m.clientsMu.Lock()
	for rc := range m.clients {
		rc.conn.Close()
	}
	m.clientsMu.Unlock()

	return m.server.Close()
}

// ClientCount returns the number of connected clients
func (m *MockRelay) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// WaitForConnections waits for N clients to connect (with timeout)
func (m *MockRelay) WaitForConnections(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		m.clientsMu.Lock()
		count := len(m.clients)
		m.clientsMu.Unlock()

		if count >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d connections, got %d", n, count)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
