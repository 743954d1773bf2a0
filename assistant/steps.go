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
)

const decidePromptTemplate = `You are a routing assistant. Decide whether answering the question below requires looking up current or external information on the web.

Question: %s

Reply with exactly two lines in this format:
SEARCH: yes or no
REASON: one short sentence explaining the decision`

const respondPromptTemplate = `Answer the user's question. Be concise and factual.

Question: %s
%s`

// decideStep asks the model whether a web lookup is needed.
func (a *Assistant) decideStep(ctx context.Context, input any) (any, error) {
	state := input.(*State)

	out, err := a.complete(ctx, "decide", fmt.Sprintf(decidePromptTemplate, state.Question))
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}

	decision, err := parseDecision(out)
	if err != nil {
		// Malformed model output routes to the cheap path: answer
		// directly rather than failing the whole run.
		a.logger.Warn("malformed decision output, skipping search",
			zap.String("output", out), zap.Error(err))
		state.NeedsSearch = false
		state.Rationale = "decision output was malformed; answering without lookup"
		return state, nil
	}

	state.NeedsSearch = decision.needsSearch
	state.Rationale = decision.reason
	a.logger.Debug("decision made",
		zap.Bool("needs_search", state.NeedsSearch),
		zap.String("rationale", state.Rationale))
	return state, nil
}

// searchStep fetches supporting material. A failed lookup is recorded on the
// state and the pipeline continues to the respond step.
func (a *Assistant) searchStep(ctx context.Context, input any) (any, error) {
	state := input.(*State)

	var spanID string
	if a.tracer != nil {
		var sp *observability.Span
		ctx, sp = a.tracer.StartSpan(ctx, observability.SpanKindTool, "search", state.Question)
		spanID = sp.ID
	}

	results, err := a.searcher.Search(ctx, state.Question)
	if a.tracer != nil {
		a.tracer.EndSpan(ctx, spanID, results, err)
	}

	if err != nil {
		var llmErr *llm.Error
		if !errors.As(err, &llmErr) {
			llmErr = &llm.Error{
				Code:     llm.ErrUpstreamError,
				Message:  err.Error(),
				Provider: "search",
			}
		}
		state.SearchError = llmErr
		a.logger.Warn("search failed, answering without lookup", zap.Error(err))
		return state, nil
	}

	state.Results = results
	state.SearchResult = formatResults(results, a.cfg.MaxContextResults)
	return state, nil
}

// respondStep composes the final answer from the question and any lookup.
func (a *Assistant) respondStep(ctx context.Context, input any) (any, error) {
	state := input.(*State)

	var contextBlock string
	switch {
	case state.SearchResult != "":
		contextBlock = "Use the following search results as context:\n" + state.SearchResult
	case state.SearchError != nil:
		contextBlock = "A web lookup was attempted but unavailable; answer from your own knowledge and say so if uncertain."
	}

	answer, err := a.complete(ctx, "respond", fmt.Sprintf(respondPromptTemplate, state.Question, contextBlock))
	if err != nil {
		return nil, fmt.Errorf("respond: %w", err)
	}
	state.Answer = strings.TrimSpace(answer)
	return state, nil
}

type decision struct {
	needsSearch bool
	reason      string
}

// parseDecision extracts the SEARCH/REASON labels from the model output.
// Labels are matched case-insensitively and may appear on any line; a missing
// or unrecognizable SEARCH value is an error.
func parseDecision(output string) (decision, error) {
	var d decision
	foundSearch := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SEARCH:"):
			value := strings.ToLower(strings.TrimSpace(line[len("SEARCH:"):]))
			switch value {
			case "yes", "true":
				d.needsSearch = true
				foundSearch = true
			case "no", "false":
				d.needsSearch = false
				foundSearch = true
			default:
				return decision{}, fmt.Errorf("unrecognized SEARCH value %q", value)
			}
		case strings.HasPrefix(upper, "REASON:"):
			d.reason = strings.TrimSpace(line[len("REASON:"):])
		}
	}

	if !foundSearch {
		return decision{}, fmt.Errorf("no SEARCH label in output")
	}
	return d, nil
}

// formatResults renders up to max search results as a numbered context block.
func formatResults(results []search.Result, max int) string {
	if len(results) == 0 {
		return ""
	}
	if len(results) > max {
		results = results[:max]
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Snippet != "" && r.Snippet != r.Title {
			fmt.Fprintf(&b, ": %s", r.Snippet)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, " (%s)", r.URL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
