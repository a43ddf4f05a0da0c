package carehub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the appointment/session backend and its analysis
// endpoints. Everything here is a collaborator call: the call core treats
// failures as non-fatal and never lets them block local teardown.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds backend client configuration.
type Config struct {
	BaseURL   string // e.g. https://hub.example.com
	AuthToken string // bearer token for the authenticated participant
	Logger    *slog.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// StartSession starts (or idempotently joins) the session for an
// appointment and returns the shared session ID.
func (c *Client) StartSession(ctx context.Context, appointmentID string) (*StartSessionResponse, error) {
	var resp StartSessionResponse
	path := fmt.Sprintf("/api/sessions/%s/start", appointmentID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	c.logger.Info("session started", "appointmentID", appointmentID, "sessionID", resp.SessionID)
	return &resp, nil
}

// GetSession fetches session details.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionDetails, error) {
	var resp SessionDetails
	path := fmt.Sprintf("/api/sessions/%s", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &resp, nil
}

// GetChatHistory fetches the persisted chat transcript for a session.
func (c *Client) GetChatHistory(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	var resp []ChatMessage
	path := fmt.Sprintf("/api/sessions/%s/chat", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	return resp, nil
}

// EndSession closes the session backend-side. summary may be nil; when set
// it is submitted with the end request.
func (c *Client) EndSession(ctx context.Context, sessionID string, summary *Summary) error {
	path := fmt.Sprintf("/api/sessions/%s/end", sessionID)
	var body interface{}
	if summary != nil {
		body = summary
	}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	c.logger.Info("session ended", "sessionID", sessionID, "withSummary", summary != nil)
	return nil
}

// AnalyzeMessage submits a single chat message for real-time sentiment
// scoring.
func (c *Client) AnalyzeMessage(ctx context.Context, sessionID, message, senderID string) (*Sentiment, error) {
	var resp Sentiment
	path := fmt.Sprintf("/api/analysis/chat/%s/realtime", sessionID)
	body := map[string]string{"message": message, "senderId": senderID}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("analyze message: %w", err)
	}
	return &resp, nil
}

// AnalyzeChat asks the analysis collaborator to analyze a session's chat
// transcript.
func (c *Client) AnalyzeChat(ctx context.Context, sessionID string, messages []ChatMessage) (*ChatAnalysisResult, error) {
	var resp ChatAnalysisResult
	body := map[string]interface{}{"sessionId": sessionID, "messages": messages}
	if err := c.do(ctx, http.MethodPost, "/api/analysis/chat/analyze", body, &resp); err != nil {
		return nil, fmt.Errorf("analyze chat: %w", err)
	}
	return &resp, nil
}

// GenerateSummary asks the analysis collaborator for an AI session summary.
func (c *Client) GenerateSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var resp SessionSummary
	path := fmt.Sprintf("/api/analysis/summary/%s/generate", sessionID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}
	return &resp, nil
}

// GetSummary fetches an existing session summary.
func (c *Client) GetSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var resp SessionSummary
	path := fmt.Sprintf("/api/analysis/summary/%s", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return &resp, nil
}

// do performs one JSON request/response round trip. out may be nil when the
// response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
