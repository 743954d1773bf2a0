// Package browser is a client for a hosted cloud browser-automation service.
// It manages remote browser sessions and submits natural-language tasks that
// an AI agent inside the cloud browser executes.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/periscopehq/periscope/llm"
)

// SessionStatus reports the lifecycle state of a cloud browser session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// Session is a remote browser session.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	CDPURL      string        `json:"cdp_url,omitempty"`
	LiveViewURL string        `json:"live_view_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SessionConfig shapes a new session.
type SessionConfig struct {
	// Profile names a saved browser profile (cookies, auth state) to load.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Proxy enables the service's residential proxy for the session.
	Proxy bool `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	// IdleTimeout ends the session after this much inactivity.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// MaxDuration hard-caps the session lifetime.
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
}

// Config configures the browser service client.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// PollInterval paces the HTTP polling fallback when the event
	// stream is unavailable.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Client talks to the cloud browser service over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a browser service client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("browser: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("browser: API key is required")
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("component", "browser_client")),
	}, nil
}

// CreateSession provisions a new remote browser session.
func (c *Client) CreateSession(ctx context.Context, sc SessionConfig) (*Session, error) {
	payload := map[string]any{}
	if sc.Profile != "" {
		payload["profile"] = sc.Profile
	}
	if sc.Proxy {
		payload["proxy"] = true
	}
	if sc.IdleTimeout > 0 {
		payload["idle_timeout_seconds"] = int(sc.IdleTimeout.Seconds())
	}
	if sc.MaxDuration > 0 {
		payload["max_duration_seconds"] = int(sc.MaxDuration.Seconds())
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", payload, &session); err != nil {
		return nil, err
	}
	c.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("live_view_url", session.LiveViewURL))
	return &session, nil
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "session id is empty",
			HTTPStatus: http.StatusBadRequest,
			Provider:   "browser",
		}
	}
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession terminates a session and releases the remote browser.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "session id is empty",
			HTTPStatus: http.StatusBadRequest,
			Provider:   "browser",
		}
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil); err != nil {
		return err
	}
	c.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// do issues one authenticated request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("browser: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("browser: create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &llm.Error{
			Code:      llm.ErrUpstreamError,
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Provider:  "browser",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return llm.MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), "browser")
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &llm.Error{
			Code:       llm.ErrMalformedResponse,
			Message:    fmt.Sprintf("decode response: %v", err),
			HTTPStatus: resp.StatusCode,
			Provider:   "browser",
		}
	}
	return nil
}

// readErrorMessage pulls a human-readable message out of an error body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
