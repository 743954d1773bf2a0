package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]IngestEvent
	fail    bool
}

func (s *batchSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body ingestBatch
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.batches = append(s.batches, body.Batch)
	}
}

func (s *batchSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestIngestExporter_BatchSizeFlush(t *testing.T) {
	sink := &batchSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewIngestExporter(IngestConfig{
		Host:          srv.URL,
		PublicKey:     "pk",
		SecretKey:     "sk",
		BatchSize:     2,
		FlushInterval: time.Hour, // periodic flush out of the picture
	}, zap.NewNop())
	defer e.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, e.ExportSpan(ctx, &Span{ID: "s1"}))
	assert.Equal(t, 0, sink.count(), "below batch size, nothing sent yet")

	require.NoError(t, e.ExportSpan(ctx, &Span{ID: "s2"}))
	require.Equal(t, 1, sink.count())

	sink.mu.Lock()
	batch := sink.batches[0]
	sink.mu.Unlock()
	require.Len(t, batch, 2)
	assert.Equal(t, EventTypeSpan, batch[0].Type)
	assert.NotEmpty(t, batch[0].ID)
}

func TestIngestExporter_BasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
	}))
	defer srv.Close()

	e := NewIngestExporter(IngestConfig{
		Host: srv.URL, PublicKey: "pk-123", SecretKey: "sk-456",
		BatchSize: 1, FlushInterval: time.Hour,
	}, zap.NewNop())
	defer e.Close(context.Background())

	require.NoError(t, e.ExportRun(context.Background(), &Run{ID: "r1"}))
	assert.Equal(t, "pk-123", gotUser)
	assert.Equal(t, "sk-456", gotPass)
}

func TestIngestExporter_RequeueOnFailure(t *testing.T) {
	sink := &batchSink{fail: true}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewIngestExporter(IngestConfig{
		Host: srv.URL, BatchSize: 1, FlushInterval: time.Hour,
	}, zap.NewNop())

	err := e.ExportSpan(context.Background(), &Span{ID: "s1"})
	assert.ErrorContains(t, err, "status 500")

	// Recover the sink; the buffered event must go out on the next flush.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	require.NoError(t, e.Flush(context.Background()))
	require.Equal(t, 1, sink.count())
	require.NoError(t, e.Close(context.Background()))
}

func TestIngestExporter_CloseFlushesRemainder(t *testing.T) {
	sink := &batchSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewIngestExporter(IngestConfig{
		Host: srv.URL, BatchSize: 100, FlushInterval: time.Hour,
	}, zap.NewNop())

	require.NoError(t, e.ExportSpan(context.Background(), &Span{ID: "s1"}))
	assert.Equal(t, 0, sink.count())

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 1, sink.count())

	// Exports after close are rejected.
	assert.ErrorContains(t, e.ExportSpan(context.Background(), &Span{ID: "s2"}), "closed")
}
