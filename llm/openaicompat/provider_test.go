package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/periscopehq/periscope/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_Name(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	assert.Equal(t, "openai", p.Name())

	p = New(Config{ProviderName: "relay"}, zap.NewNop())
	assert.Equal(t, "relay", p.Name())
}

func TestProvider_Completion(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)

		json.NewEncoder(w).Encode(wireResponse{
			ID:    "chatcmpl-1",
			Model: body.Model,
			Choices: []wireChoice{{
				FinishReason: "stop",
				Message:      wireMessage{Role: "assistant", Content: "pong"},
			}},
			Usage: &wireUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	})

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)

	text, err := llm.FirstText(resp)
	require.NoError(t, err)
	assert.Equal(t, "pong", text)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
	assert.Equal(t, "openai", resp.Provider)
}

func TestProvider_Completion_NoMessages(t *testing.T) {
	p := New(Config{APIKey: "k", BaseURL: "http://localhost:1"}, zap.NewNop())
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
}

func TestProvider_Completion_UpstreamError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit"}}`))
	})

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrRateLimited, llmErr.Code)
	assert.True(t, llmErr.Retryable)
	assert.Equal(t, "rate limit exceeded", llmErr.Message)
}

func TestProvider_Completion_MalformedBody(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrMalformedResponse, llmErr.Code)
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	})

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestProvider_HealthCheck_Unhealthy(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.False(t, status.Healthy)
}
