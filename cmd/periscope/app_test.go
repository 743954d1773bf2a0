package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/periscopehq/periscope/config"
)

// 失败运行的追踪事件也必须在 Close 时送达上报端点，
// 即使缓冲区从未填满。
func TestApp_CloseFlushesFailedRunEvents(t *testing.T) {
	type ingestBatch struct {
		Batch []struct {
			Type string `json:"type"`
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		} `json:"batch"`
	}

	received := make(chan ingestBatch, 1)
	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b ingestBatch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode ingestion batch: %v", err)
			return
		}
		received <- b
	}))
	defer ingest.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "test-key"
	cfg.LLM.BaseURL = upstream.URL
	cfg.Cache.Backend = "none"
	cfg.Observability.Enabled = true
	cfg.Observability.Ingest.Host = ingest.URL
	// 周期刷新调远，确保只有 Close 会触发上报
	cfg.Observability.Ingest.FlushInterval = time.Hour

	app, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)

	_, _, err = app.Assistant.Ask(context.Background(), "anything")
	require.Error(t, err)

	require.NoError(t, app.Close(context.Background()))

	select {
	case b := <-received:
		var failedRuns int
		for _, ev := range b.Batch {
			if ev.Type == "run" && ev.Body.Status == "failed" {
				failedRuns++
			}
		}
		assert.Equal(t, 1, failedRuns, "failed run must be exported on close")
	default:
		t.Fatal("no ingestion batch received")
	}
}
