// Package assistant implements a decide/search/respond question-answering
// pipeline: an LLM first decides whether the question needs a web lookup,
// an optional search step fetches supporting material, and a final LLM call
// composes the answer. Every step is traced.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/periscopehq/periscope/llm"
	"github.com/periscopehq/periscope/observability"
	"github.com/periscopehq/periscope/search"
	"github.com/periscopehq/periscope/workflow"
)

// State is the record threaded through the pipeline.
type State struct {
	Question     string          `json:"question"`
	NeedsSearch  bool            `json:"needs_search"`
	SearchResult string          `json:"search_result,omitempty"`
	SearchError  *llm.Error      `json:"search_error,omitempty"`
	Answer       string          `json:"answer"`
	Rationale    string          `json:"rationale"`
	Results      []search.Result `json:"results,omitempty"`
}

// Searcher is the slice of the search client the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Config configures the assistant pipeline.
type Config struct {
	// Model names the chat model used by the decide and respond steps.
	Model string `json:"model" yaml:"model"`

	// Temperature for both LLM calls.
	Temperature float32 `json:"temperature" yaml:"temperature"`

	// MaxContextResults caps how many search results feed the answer prompt.
	MaxContextResults int `json:"max_context_results" yaml:"max_context_results"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		Temperature:       0.2,
		MaxContextResults: 3,
	}
}

// Assistant runs the decide/search/respond pipeline.
type Assistant struct {
	cfg      Config
	provider llm.Provider
	searcher Searcher
	tracer   *observability.Tracer
	graph    *workflow.Graph
	logger   *zap.Logger
}

// New builds the pipeline. searcher may be nil, in which case every question
// is answered without a lookup. tracer may be nil to disable tracing.
func New(cfg Config, provider llm.Provider, searcher Searcher, tracer *observability.Tracer, logger *zap.Logger) (*Assistant, error) {
	if provider == nil {
		return nil, errors.New("assistant: provider is required")
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxContextResults <= 0 {
		cfg.MaxContextResults = def.MaxContextResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Assistant{
		cfg:      cfg,
		provider: provider,
		searcher: searcher,
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "assistant")),
	}

	g := workflow.NewGraph("assistant", "decide whether to search, then answer", logger)
	if err := g.AddNode("decide", workflow.NewFuncStep("decide", a.decideStep)); err != nil {
		return nil, err
	}
	if err := g.AddNode("search", workflow.NewFuncStep("search", a.searchStep)); err != nil {
		return nil, err
	}
	if err := g.AddNode("respond", workflow.NewFuncStep("respond", a.respondStep)); err != nil {
		return nil, err
	}
	if err := g.SetStart("decide"); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdge("decide", func(ctx context.Context, input any) (string, error) {
		state, ok := input.(*State)
		if !ok {
			return "", fmt.Errorf("unexpected state type %T", input)
		}
		if state.NeedsSearch && a.searcher != nil {
			return "search", nil
		}
		return "respond", nil
	}); err != nil {
		return nil, err
	}
	if err := g.AddEdge("search", "respond"); err != nil {
		return nil, err
	}
	if err := g.AddEdge("respond", workflow.End); err != nil {
		return nil, err
	}
	a.graph = g
	return a, nil
}

// Ask answers one question through the pipeline. The returned run id is empty
// when tracing is disabled.
func (a *Assistant) Ask(ctx context.Context, question string) (*State, string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, "", errors.New("assistant: question is empty")
	}

	var runID, chainSpanID string
	if a.tracer != nil {
		var run *observability.Run
		ctx, run = a.tracer.StartRun(ctx, "assistant")
		runID = run.ID

		var sp *observability.Span
		ctx, sp = a.tracer.StartSpan(ctx, observability.SpanKindChain, "assistant", question)
		chainSpanID = sp.ID
	}

	ctx = workflow.WithStreamEmitter(ctx, func(ev workflow.StreamEvent) {
		switch ev.Type {
		case workflow.EventNodeError:
			a.logger.Warn("node failed", zap.String("node", ev.NodeName), zap.Error(ev.Error))
		default:
			a.logger.Debug("node event", zap.String("node", ev.NodeName), zap.String("type", string(ev.Type)))
		}
	})

	out, err := a.graph.Execute(ctx, &State{Question: question})
	if a.tracer != nil {
		a.tracer.EndSpan(ctx, chainSpanID, out, err)
		status := observability.StatusCompleted
		if err != nil {
			status = observability.StatusFailed
		}
		if endErr := a.tracer.EndRun(ctx, runID, status); endErr != nil {
			a.logger.Warn("failed to end run", zap.Error(endErr))
		}
	}
	if err != nil {
		return nil, runID, err
	}

	state, ok := out.(*State)
	if !ok {
		return nil, runID, fmt.Errorf("assistant: unexpected pipeline output %T", out)
	}
	return state, runID, nil
}

// complete issues one chat completion and records it as an LLM span.
func (a *Assistant) complete(ctx context.Context, stepName, prompt string) (string, error) {
	var spanID string
	if a.tracer != nil {
		var sp *observability.Span
		ctx, sp = a.tracer.StartSpan(ctx, observability.SpanKindLLM, stepName, prompt)
		spanID = sp.ID
	}

	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		Model:       a.cfg.Model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: a.cfg.Temperature,
	})

	var text string
	if err == nil {
		text, err = llm.FirstText(resp)
	}

	if a.tracer != nil {
		if resp != nil {
			usage := observability.TokenUsage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}
			// Some gateways omit usage; estimate it so run accounting
			// still has tokens and cost to work with.
			if usage.Total == 0 && err == nil {
				usage = observability.EstimateUsage(a.cfg.Model, prompt, text)
			}
			a.tracer.SetSpanUsage(spanID, a.cfg.Model, usage)
		}
		a.tracer.EndSpan(ctx, spanID, text, err)
	}
	return text, err
}
