package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/firebase/genkit/go/core"
)

// AggregatorInput is the expected input structure for the joiner flow.
type AggregatorInput struct {
	Query   string            `json:"query"`
	Outcome *explorer.Outcome `json:"outcome"`
}

// AggregatorFlow is the genkit flow type the aggregator adapter runs.
type AggregatorFlow = core.Flow[*AggregatorInput, string, struct{}]

type joinFunc func(ctx context.Context, input *AggregatorInput) (string, error)

// GenkitAggregatorAdapter uses a Genkit Flow to implement the Aggregator interface.
type GenkitAggregatorAdapter struct {
	join joinFunc
}

var _ explorer.Aggregator = (*GenkitAggregatorAdapter)(nil)

// NewGenkitAggregatorAdapter creates a new adapter for the joiner flow.
func NewGenkitAggregatorAdapter(flow *AggregatorFlow) *GenkitAggregatorAdapter {
	if flow == nil {
		return &GenkitAggregatorAdapter{}
	}
	return &GenkitAggregatorAdapter{join: flow.Run}
}

// Aggregate implements the explorer.Aggregator interface.
func (a *GenkitAggregatorAdapter) Aggregate(ctx context.Context, query string, outcome *explorer.Outcome) (string, error) {
	if a.join == nil {
		return "", explorer.NewConfigurationError("joiner flow is not configured", nil)
	}
	if outcome == nil {
		return "", fmt.Errorf("no outcome to aggregate")
	}

	answer, err := a.join(ctx, &AggregatorInput{Query: query, Outcome: outcome})
	if err != nil {
		return "", fmt.Errorf("joiner flow execution failed: %w", err)
	}
	return answer, nil
}

// SummarizeOutcome renders an outcome as plain text: one block per step with
// each tool's output or error, followed by the tools used. It is the body of
// the joiner flow when no model is configured.
func SummarizeOutcome(query string, outcome *explorer.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)

	if outcome == nil || len(outcome.Steps) == 0 {
		b.WriteString("No steps were executed.\n")
		return b.String()
	}

	for _, step := range outcome.Steps {
		fmt.Fprintf(&b, "\nStep %d [%s]", step.Index+1, strings.Join(step.Tools, ", "))
		if step.Description != "" {
			fmt.Fprintf(&b, " %s", step.Description)
		}
		if step.Attempts > 1 {
			fmt.Fprintf(&b, " (attempts: %d)", step.Attempts)
		}
		b.WriteString("\n")

		for _, msg := range step.Messages {
			if msg.Succeeded() {
				fmt.Fprintf(&b, "  %s: %s\n", msg.ToolName, renderOutput(msg.Output))
			} else {
				fmt.Fprintf(&b, "  %s failed: %s\n", msg.ToolName, msg.Error)
			}
		}
		for _, f := range step.Failures {
			if f.Kind == explorer.FailureNotFound {
				fmt.Fprintf(&b, "  %s: tool not available\n", f.ToolName)
			}
		}
	}

	fmt.Fprintf(&b, "\nTools used: %s\n", strings.Join(outcome.ToolsUsed, ", "))
	switch {
	case outcome.Cancelled:
		b.WriteString("The request was cancelled before all steps ran.\n")
	case outcome.HasErrors:
		b.WriteString("Some steps reported errors; the answer may be incomplete.\n")
	}
	return b.String()
}

func renderOutput(output map[string]interface{}) string {
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(output[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", output[k]))
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, raw))
	}
	return strings.Join(parts, " ")
}
