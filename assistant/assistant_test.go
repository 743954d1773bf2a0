package assistant

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscopehq/periscope/llm"
	"github.com/periscopehq/periscope/observability"
	"github.com/periscopehq/periscope/search"
)

// scriptedProvider returns canned completions in order. When omitUsage is
// set, responses carry no token usage, like gateways that strip the field.
type scriptedProvider struct {
	replies   []string
	errs      []error
	omitUsage bool
	calls     int
	prompts   []string
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	i := p.calls
	p.calls++
	p.prompts = append(p.prompts, req.Messages[len(req.Messages)-1].Content)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.replies) {
		return nil, fmt.Errorf("provider called %d times, only %d replies scripted", i+1, len(p.replies))
	}
	resp := &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: p.replies[i]}}},
	}
	if !p.omitUsage {
		resp.Usage = llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return resp, nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type fakeSearcher struct {
	results []search.Result
	err     error
	queries []string
}

func (s *fakeSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func TestAsk_DirectAnswer(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"SEARCH: no\nREASON: arithmetic needs no lookup",
		"2 + 2 = 4.",
	}}
	searcher := &fakeSearcher{}

	a, err := New(Config{}, provider, searcher, nil, nil)
	require.NoError(t, err)

	state, _, err := a.Ask(context.Background(), "What is 2+2?")
	require.NoError(t, err)

	assert.False(t, state.NeedsSearch)
	assert.Equal(t, "arithmetic needs no lookup", state.Rationale)
	assert.Equal(t, "2 + 2 = 4.", state.Answer)
	assert.Empty(t, searcher.queries, "search step must be skipped")
	assert.Equal(t, 2, provider.calls)
}

func TestAsk_WithSearch(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"SEARCH: yes\nREASON: asks about current events",
		"The answer, based on the lookup, is X.",
	}}
	searcher := &fakeSearcher{results: []search.Result{
		{Title: "Result A", URL: "https://a.example.com", Snippet: "Detail about A."},
		{Title: "Result B", Snippet: "Detail about B."},
	}}

	a, err := New(Config{}, provider, searcher, nil, nil)
	require.NoError(t, err)

	state, _, err := a.Ask(context.Background(), "What happened today?")
	require.NoError(t, err)

	assert.True(t, state.NeedsSearch)
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, "What happened today?", searcher.queries[0])

	// The respond prompt must carry the formatted lookup context.
	respondPrompt := provider.prompts[1]
	assert.Contains(t, respondPrompt, "Result A: Detail about A. (https://a.example.com)")
	assert.Contains(t, respondPrompt, "search results as context")
	assert.Equal(t, "The answer, based on the lookup, is X.", state.Answer)
}

func TestAsk_MalformedDecisionFallsBack(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"I think you should probably search for this one.",
		"Best-effort answer.",
	}}
	searcher := &fakeSearcher{}

	a, err := New(Config{}, provider, searcher, nil, nil)
	require.NoError(t, err)

	state, _, err := a.Ask(context.Background(), "Anything")
	require.NoError(t, err)

	assert.False(t, state.NeedsSearch, "malformed output must take the no-search path")
	assert.Contains(t, state.Rationale, "malformed")
	assert.Empty(t, searcher.queries)
	assert.Equal(t, "Best-effort answer.", state.Answer)
}

func TestAsk_SearchFailureStillAnswers(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"SEARCH: yes\nREASON: needs fresh data",
		"Answering from prior knowledge.",
	}}
	searcher := &fakeSearcher{err: &llm.Error{
		Code: llm.ErrUpstreamTimeout, Message: "search timed out", Retryable: true, Provider: "search",
	}}

	a, err := New(Config{}, provider, searcher, nil, nil)
	require.NoError(t, err)

	state, _, err := a.Ask(context.Background(), "What happened today?")
	require.NoError(t, err, "search failure must not fail the run")

	require.NotNil(t, state.SearchError)
	assert.Equal(t, llm.ErrUpstreamTimeout, state.SearchError.Code)
	assert.Empty(t, state.SearchResult)
	assert.Contains(t, provider.prompts[1], "lookup was attempted but unavailable")
	assert.Equal(t, "Answering from prior knowledge.", state.Answer)
}

func TestAsk_ProviderErrorFailsRun(t *testing.T) {
	provider := &scriptedProvider{errs: []error{fmt.Errorf("boom")}}
	a, err := New(Config{}, provider, nil, nil, nil)
	require.NoError(t, err)

	_, _, err = a.Ask(context.Background(), "Anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decide")
}

func TestAsk_EmptyQuestion(t *testing.T) {
	a, err := New(Config{}, &scriptedProvider{}, nil, nil, nil)
	require.NoError(t, err)

	_, _, err = a.Ask(context.Background(), "   ")
	assert.ErrorContains(t, err, "question is empty")
}

func TestAsk_Traced(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"SEARCH: yes\nREASON: current topic",
		"Traced answer.",
	}}
	searcher := &fakeSearcher{results: []search.Result{{Title: "R", Snippet: "S"}}}
	tracer := observability.NewTracer(observability.TracerConfig{}, nil, nil)

	a, err := New(Config{}, provider, searcher, tracer, nil)
	require.NoError(t, err)

	state, runID, err := a.Ask(context.Background(), "What happened today?")
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	assert.Equal(t, "Traced answer.", state.Answer)

	run, ok := tracer.GetRun(runID)
	require.True(t, ok)
	assert.Equal(t, observability.StatusCompleted, run.Status)
	// chain + decide + search tool + respond
	require.Len(t, run.Spans, 4)

	kinds := map[observability.SpanKind]int{}
	for _, sp := range run.Spans {
		kinds[sp.Kind]++
	}
	assert.Equal(t, 1, kinds[observability.SpanKindChain])
	assert.Equal(t, 2, kinds[observability.SpanKindLLM])
	assert.Equal(t, 1, kinds[observability.SpanKindTool])

	assert.Equal(t, 30, run.Tokens.Total, "both LLM calls accounted")
}

func TestAsk_EstimatesUsageWhenOmitted(t *testing.T) {
	provider := &scriptedProvider{
		replies: []string{
			"SEARCH: no\nREASON: static fact",
			"Estimated answer.",
		},
		omitUsage: true,
	}
	tracer := observability.NewTracer(observability.TracerConfig{}, nil, nil)

	a, err := New(Config{}, provider, nil, tracer, nil)
	require.NoError(t, err)

	state, runID, err := a.Ask(context.Background(), "What is the boiling point of water?")
	require.NoError(t, err)
	assert.Equal(t, "Estimated answer.", state.Answer)

	run, ok := tracer.GetRun(runID)
	require.True(t, ok)
	assert.Positive(t, run.Tokens.Total, "usage must be estimated when the response omits it")
	assert.Positive(t, run.Tokens.Prompt)
	assert.Positive(t, run.Tokens.Completion)
	assert.Positive(t, run.Cost)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    bool
		reason  string
		wantErr bool
	}{
		{"yes", "SEARCH: yes\nREASON: current events", true, "current events", false},
		{"no", "SEARCH: no\nREASON: static fact", false, "static fact", false},
		{"case insensitive", "search: YES\nreason: mixed case", true, "mixed case", false},
		{"extra prose", "Sure!\nSEARCH: no\nREASON: easy\nHope that helps.", false, "easy", false},
		{"missing reason", "SEARCH: yes", true, "", false},
		{"bad value", "SEARCH: maybe\nREASON: unsure", false, "", true},
		{"no labels", "I would search the web for this.", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.needsSearch)
			assert.Equal(t, tt.reason, d.reason)
		})
	}
}

func TestFormatResults(t *testing.T) {
	results := []search.Result{
		{Title: "A", Snippet: "a detail", URL: "https://a"},
		{Title: "B", Snippet: "b detail"},
		{Title: "C", Snippet: "c detail"},
	}

	out := formatResults(results, 2)
	assert.Equal(t, 2, strings.Count(out, "\n")+1)
	assert.Contains(t, out, "1. A: a detail (https://a)")
	assert.Contains(t, out, "2. B: b detail")
	assert.NotContains(t, out, "C")

	assert.Empty(t, formatResults(nil, 3))
}
