// Package observability provides LangSmith-style tracing for pipeline runs,
// with batched export to a hosted observability platform and an optional
// OpenTelemetry bridge.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SpanKind defines what kind of work a span records.
type SpanKind string

const (
	SpanKindLLM   SpanKind = "llm"
	SpanKindTool  SpanKind = "tool"
	SpanKindChain SpanKind = "chain"
	SpanKindAgent SpanKind = "agent"
)

// Span represents one traced operation inside a run.
type Span struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	RunID     string         `json:"run_id"`
	Kind      SpanKind       `json:"kind"`
	Name      string         `json:"name"`
	Input     any            `json:"input"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     TokenUsage     `json:"usage,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// TokenUsage tracks token consumption for a span or run.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates usage from another sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Run represents one complete pipeline execution.
type Run struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Spans     []*Span        `json:"spans"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tokens    TokenUsage     `json:"tokens"`
	Cost      float64        `json:"cost"`
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Exporter ships finished runs and spans to an external system.
type Exporter interface {
	ExportRun(ctx context.Context, run *Run) error
	ExportSpan(ctx context.Context, span *Span) error
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	ServiceName string
	Exporter    Exporter
	Cost        *CostCalculator
	Metrics     *Metrics
}

// Tracer records runs and spans, mirrors them to OTel when a tracer is set,
// and hands finished entries to the exporter.
type Tracer struct {
	serviceName string
	runs        map[string]*Run
	spans       map[string]*Span
	otelTrace   oteltrace.Tracer
	exporter    Exporter
	cost        *CostCalculator
	metrics     *Metrics
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewTracer creates a new tracer. otelTracer may be nil to disable the bridge.
func NewTracer(config TracerConfig, otelTracer oteltrace.Tracer, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := config.Cost
	if cost == nil {
		cost = NewCostCalculator()
	}
	return &Tracer{
		serviceName: config.ServiceName,
		runs:        make(map[string]*Run),
		spans:       make(map[string]*Span),
		otelTrace:   otelTracer,
		exporter:    config.Exporter,
		cost:        cost,
		metrics:     config.Metrics,
		logger:      logger.With(zap.String("component", "tracer")),
	}
}

type contextKey string

const (
	runIDKey    contextKey = "run_id"
	spanIDKey   contextKey = "span_id"
	otelSpanKey contextKey = "otel_span"
)

// RunIDFromContext returns the active run id, if any.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok && id != ""
}

// StartRun begins a new traced run.
func (t *Tracer) StartRun(ctx context.Context, name string) (context.Context, *Run) {
	run := &Run{
		ID:        "run_" + uuid.NewString(),
		Name:      name,
		Spans:     make([]*Span, 0),
		StartTime: time.Now(),
		Status:    StatusRunning,
		Metadata:  make(map[string]any),
	}
	if t.serviceName != "" {
		run.Metadata["service_name"] = t.serviceName
	}

	t.mu.Lock()
	t.runs[run.ID] = run
	t.mu.Unlock()

	ctx = context.WithValue(ctx, runIDKey, run.ID)
	t.logger.Debug("run started", zap.String("run_id", run.ID), zap.String("name", name))
	return ctx, run
}

// EndRun finishes a run and exports it.
func (t *Tracer) EndRun(ctx context.Context, runID string, status string) error {
	t.mu.Lock()
	run, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("run not found: %s", runID)
	}
	run.EndTime = time.Now()
	run.Status = status
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveRun(run.Name, status, run.EndTime.Sub(run.StartTime))
	}

	if t.exporter != nil {
		if err := t.exporter.ExportRun(ctx, run); err != nil {
			t.logger.Error("failed to export run", zap.Error(err))
		}
	}

	t.logger.Debug("run ended",
		zap.String("run_id", runID),
		zap.String("status", status),
		zap.Int("tokens", run.Tokens.Total),
		zap.Float64("cost_usd", run.Cost))
	return nil
}

// StartSpan begins a new span inside the active run.
func (t *Tracer) StartSpan(ctx context.Context, kind SpanKind, name string, input any) (context.Context, *Span) {
	runID, _ := RunIDFromContext(ctx)
	parentID, _ := ctx.Value(spanIDKey).(string)

	sp := &Span{
		ID:        "span_" + uuid.NewString(),
		ParentID:  parentID,
		RunID:     runID,
		Kind:      kind,
		Name:      name,
		Input:     input,
		StartTime: time.Now(),
		Metadata:  make(map[string]any),
	}

	var otelSpan oteltrace.Span
	if t.otelTrace != nil {
		ctx, otelSpan = t.otelTrace.Start(ctx, name)
		otelSpan.SetAttributes(
			attribute.String("span.kind", string(kind)),
			attribute.String("span.id", sp.ID),
			attribute.String("run.id", runID),
		)
	}

	t.mu.Lock()
	t.spans[sp.ID] = sp
	if run, ok := t.runs[runID]; ok {
		run.Spans = append(run.Spans, sp)
	}
	t.mu.Unlock()

	ctx = context.WithValue(ctx, spanIDKey, sp.ID)
	if otelSpan != nil {
		ctx = context.WithValue(ctx, otelSpanKey, otelSpan)
	}
	return ctx, sp
}

// EndSpan finishes a span, accumulates usage/cost onto the run, and exports it.
func (t *Tracer) EndSpan(ctx context.Context, spanID string, output any, err error) {
	t.mu.Lock()
	sp, ok := t.spans[spanID]
	if !ok {
		t.mu.Unlock()
		return
	}
	sp.EndTime = time.Now()
	sp.Duration = sp.EndTime.Sub(sp.StartTime)
	sp.Output = output
	if err != nil {
		sp.Error = err.Error()
	}

	var spanCost float64
	if run, ok := t.runs[sp.RunID]; ok && sp.Usage.Total > 0 {
		run.Tokens.Add(sp.Usage)
		if sp.Model != "" {
			spanCost = t.cost.Calculate(sp.Model, sp.Usage)
			run.Cost += spanCost
		}
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveSpan(sp.Kind)
		if sp.Usage.Total > 0 {
			t.metrics.ObserveUsage(sp.Model, sp.Usage, spanCost)
		}
	}

	if otelSpan, ok := ctx.Value(otelSpanKey).(oteltrace.Span); ok {
		if err != nil {
			otelSpan.SetAttributes(attribute.String("error", err.Error()))
		}
		otelSpan.End()
	}

	if t.exporter != nil {
		if exportErr := t.exporter.ExportSpan(ctx, sp); exportErr != nil {
			t.logger.Error("failed to export span", zap.Error(exportErr))
		}
	}
}

// SetSpanUsage records model and token usage on an open span.
// Call before EndSpan so run-level accounting picks it up.
func (t *Tracer) SetSpanUsage(spanID, model string, usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sp, ok := t.spans[spanID]; ok {
		sp.Model = model
		sp.Usage = usage
	}
}

// GetRun retrieves a run by id.
func (t *Tracer) GetRun(runID string) (*Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	return run, ok
}

// GetSpan retrieves a span by id.
func (t *Tracer) GetSpan(spanID string) (*Span, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sp, ok := t.spans[spanID]
	return sp, ok
}

// TraceLLMCall traces a single LLM call.
func (t *Tracer) TraceLLMCall(ctx context.Context, model string, input any, fn func() (any, error)) (any, error) {
	ctx, sp := t.StartSpan(ctx, SpanKindLLM, model, input)
	output, err := fn()
	t.EndSpan(ctx, sp.ID, output, err)
	return output, err
}

// TraceToolCall traces a single tool call.
func (t *Tracer) TraceToolCall(ctx context.Context, toolName string, input any, fn func() (any, error)) (any, error) {
	ctx, sp := t.StartSpan(ctx, SpanKindTool, toolName, input)
	output, err := fn()
	t.EndSpan(ctx, sp.ID, output, err)
	return output, err
}
