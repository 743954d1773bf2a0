package browser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// TaskStatus reports where a submitted task is in its lifecycle.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a natural-language instruction for the remote agent.
type Task struct {
	// Prompt is the instruction, e.g. "fill out the contact form with ...".
	Prompt string `json:"prompt"`

	// StartURL navigates the session there before the agent starts.
	StartURL string `json:"start_url,omitempty"`

	// MaxSteps caps how many actions the agent may take. Zero means the
	// service default.
	MaxSteps int `json:"max_steps,omitempty"`
}

// TaskStep is one action the remote agent took.
type TaskStep struct {
	Index     int       `json:"index"`
	Action    string    `json:"action"` // navigate | click | type | extract | think
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskResult is the final outcome of a task.
type TaskResult struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Output string     `json:"output,omitempty"`
	Steps  []TaskStep `json:"steps,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// taskEvent is one message on the task event stream.
type taskEvent struct {
	Type   string     `json:"type"` // step | done
	Step   *TaskStep  `json:"step,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// RunTask submits a task to the session's agent and waits for it to finish.
// Progress is followed over the WebSocket event stream; if the stream cannot
// be established the client falls back to polling the task resource.
func (c *Client) RunTask(ctx context.Context, sessionID string, task Task) (*TaskResult, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, fmt.Errorf("browser: task prompt is empty")
	}

	var created struct {
		TaskID string `json:"task_id"`
	}
	path := "/v1/sessions/" + sessionID + "/tasks"
	if err := c.do(ctx, http.MethodPost, path, task, &created); err != nil {
		return nil, err
	}
	c.logger.Info("task submitted",
		zap.String("session_id", sessionID),
		zap.String("task_id", created.TaskID))

	result, err := c.streamTask(ctx, sessionID, created.TaskID)
	if err == nil {
		return result, nil
	}
	c.logger.Warn("event stream unavailable, falling back to polling", zap.Error(err))
	return c.pollTask(ctx, sessionID, created.TaskID)
}

// streamTask follows the task over its WebSocket event stream.
func (c *Client) streamTask(ctx context.Context, sessionID, taskID string) (*TaskResult, error) {
	wsURL := strings.TrimRight(c.cfg.BaseURL, "/")
	wsURL = strings.Replace(wsURL, "http", "ws", 1)
	wsURL += "/v1/sessions/" + sessionID + "/tasks/" + taskID + "/events"

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-API-Key": []string{c.cfg.APIKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	result := &TaskResult{TaskID: taskID, Status: TaskRunning}
	for {
		var ev taskEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		switch ev.Type {
		case "step":
			if ev.Step != nil {
				result.Steps = append(result.Steps, *ev.Step)
				c.logger.Debug("agent step",
					zap.Int("index", ev.Step.Index),
					zap.String("action", ev.Step.Action))
			}
		case "done":
			result.Status = ev.Status
			result.Output = ev.Output
			result.Error = ev.Error
			return result, nil
		default:
			c.logger.Debug("ignoring unknown event", zap.String("type", ev.Type))
		}
	}
}

// pollTask follows the task by polling the task resource until it leaves
// the running state.
func (c *Client) pollTask(ctx context.Context, sessionID, taskID string) (*TaskResult, error) {
	path := "/v1/sessions/" + sessionID + "/tasks/" + taskID
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var result TaskResult
		if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return nil, err
		}
		if result.Status != TaskRunning {
			result.TaskID = taskID
			return &result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
