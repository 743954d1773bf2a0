package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTask_EmptyPrompt(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.RunTask(context.Background(), "sess_123", Task{Prompt: "   "})
	assert.ErrorContains(t, err, "prompt is empty")
}

func TestRunTask_EventStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/sess_123/tasks", func(w http.ResponseWriter, r *http.Request) {
		var task Task
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		assert.Equal(t, "fill out the contact form", task.Prompt)
		assert.Equal(t, 15, task.MaxSteps)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task_1"})
	})
	mux.HandleFunc("/v1/sessions/sess_123/tasks/task_1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		events := []taskEvent{
			{Type: "step", Step: &TaskStep{Index: 0, Action: "navigate", Detail: "https://example.com/contact"}},
			{Type: "step", Step: &TaskStep{Index: 1, Action: "type", Detail: "name field"}},
			{Type: "done", Status: TaskCompleted, Output: "form submitted"},
		}
		for _, ev := range events {
			require.NoError(t, wsjson.Write(ctx, conn, ev))
		}
	})

	c := newTestClient(t, mux)
	result, err := c.RunTask(context.Background(), "sess_123", Task{
		Prompt:   "fill out the contact form",
		MaxSteps: 15,
	})
	require.NoError(t, err)

	assert.Equal(t, "task_1", result.TaskID)
	assert.Equal(t, TaskCompleted, result.Status)
	assert.Equal(t, "form submitted", result.Output)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "navigate", result.Steps[0].Action)
}

func TestRunTask_PollingFallback(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/sess_123/tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task_1"})
	})
	// No events endpoint: the WebSocket dial fails and the client polls.
	mux.HandleFunc("GET /v1/sessions/sess_123/tasks/task_1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(TaskResult{Status: TaskRunning})
			return
		}
		json.NewEncoder(w).Encode(TaskResult{Status: TaskFailed, Error: "element not found"})
	})

	c := newTestClient(t, mux)
	result, err := c.RunTask(context.Background(), "sess_123", Task{Prompt: "click the button"})
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "element not found", result.Error)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestRunTask_PollingCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/sess_123/tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task_1"})
	})
	mux.HandleFunc("GET /v1/sessions/sess_123/tasks/task_1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TaskResult{Status: TaskRunning})
	})

	c := newTestClient(t, mux)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.RunTask(ctx, "sess_123", Task{Prompt: "wait forever"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "canceled"))
}

func TestReadErrorMessage(t *testing.T) {
	assert.Equal(t, "bad session", readErrorMessage(strings.NewReader(`{"error":"bad session"}`)))
	assert.Equal(t, "nope", readErrorMessage(strings.NewReader(`{"message":"nope"}`)))
	assert.Equal(t, "plain text", readErrorMessage(strings.NewReader("plain text")))
	assert.Equal(t, "request failed", readErrorMessage(strings.NewReader("")))
}
