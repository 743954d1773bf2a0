package observability

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingExporter captures exported runs and spans in memory.
type recordingExporter struct {
	mu    sync.Mutex
	runs  []*Run
	spans []*Span
}

func (r *recordingExporter) ExportRun(ctx context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordingExporter) ExportSpan(ctx context.Context, span *Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
	return nil
}

func TestTracer_RunLifecycle(t *testing.T) {
	exp := &recordingExporter{}
	tracer := NewTracer(TracerConfig{Exporter: exp}, nil, zap.NewNop())

	ctx, run := tracer.StartRun(context.Background(), "pipeline")
	assert.Equal(t, StatusRunning, run.Status)

	id, ok := RunIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, run.ID, id)

	require.NoError(t, tracer.EndRun(ctx, run.ID, StatusCompleted))

	got, ok := tracer.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.EndTime.IsZero())
	require.Len(t, exp.runs, 1)
}

func TestTracer_ServiceNameOnRuns(t *testing.T) {
	tracer := NewTracer(TracerConfig{ServiceName: "periscope"}, nil, zap.NewNop())

	_, run := tracer.StartRun(context.Background(), "pipeline")
	assert.Equal(t, "periscope", run.Metadata["service_name"])

	// Without a service name the metadata stays clean.
	tracer = NewTracer(TracerConfig{}, nil, zap.NewNop())
	_, run = tracer.StartRun(context.Background(), "pipeline")
	_, ok := run.Metadata["service_name"]
	assert.False(t, ok)
}

func TestTracer_EndRun_Unknown(t *testing.T) {
	tracer := NewTracer(TracerConfig{}, nil, zap.NewNop())
	assert.ErrorContains(t, tracer.EndRun(context.Background(), "nope", StatusFailed), "run not found")
}

func TestTracer_SpanNesting(t *testing.T) {
	tracer := NewTracer(TracerConfig{}, nil, zap.NewNop())

	ctx, run := tracer.StartRun(context.Background(), "pipeline")
	ctx, parent := tracer.StartSpan(ctx, SpanKindChain, "outer", "in")
	_, child := tracer.StartSpan(ctx, SpanKindLLM, "inner", "in2")

	assert.Empty(t, parent.ParentID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, run.ID, child.RunID)
}

func TestTracer_UsageAndCostAccounting(t *testing.T) {
	tracer := NewTracer(TracerConfig{}, nil, zap.NewNop())

	ctx, run := tracer.StartRun(context.Background(), "pipeline")
	ctx, sp := tracer.StartSpan(ctx, SpanKindLLM, "decide", "q")
	tracer.SetSpanUsage(sp.ID, "gpt-4o-mini", TokenUsage{Prompt: 100, Completion: 50, Total: 150})
	tracer.EndSpan(ctx, sp.ID, "out", nil)

	got, _ := tracer.GetRun(run.ID)
	assert.Equal(t, 150, got.Tokens.Total)
	assert.InDelta(t, 100.0/1000*0.00015+50.0/1000*0.0006, got.Cost, 1e-9)
}

func TestTracer_SpanError(t *testing.T) {
	exp := &recordingExporter{}
	tracer := NewTracer(TracerConfig{Exporter: exp}, nil, zap.NewNop())

	ctx, _ := tracer.StartRun(context.Background(), "pipeline")
	ctx, sp := tracer.StartSpan(ctx, SpanKindTool, "search", "q")
	tracer.EndSpan(ctx, sp.ID, nil, errors.New("lookup failed"))

	got, ok := tracer.GetSpan(sp.ID)
	require.True(t, ok)
	assert.Equal(t, "lookup failed", got.Error)
	require.Len(t, exp.spans, 1)
}

func TestTracer_TraceLLMCall(t *testing.T) {
	exp := &recordingExporter{}
	tracer := NewTracer(TracerConfig{Exporter: exp}, nil, zap.NewNop())

	ctx, _ := tracer.StartRun(context.Background(), "pipeline")
	out, err := tracer.TraceLLMCall(ctx, "gpt-4o-mini", "question", func() (any, error) {
		return "answer", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	require.Len(t, exp.spans, 1)
	assert.Equal(t, SpanKindLLM, exp.spans[0].Kind)
	assert.Equal(t, "answer", exp.spans[0].Output)
}
