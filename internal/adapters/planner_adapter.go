package adapters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
	"github.com/firebase/genkit/go/core"
)

// PlannerFlow is the genkit flow type the planner adapter runs.
type PlannerFlow = core.Flow[*explorer.PlannerInput, *explorer.Plan, struct{}]

type planFunc func(ctx context.Context, input *explorer.PlannerInput) (*explorer.Plan, error)

// GenkitPlannerAdapter uses a Genkit Flow to implement the Planner interface.
// Generated plans are cached by query and tool names.
type GenkitPlannerAdapter struct {
	run    planFunc
	cache  explorer.Cache
	logger *slog.Logger
}

var _ explorer.Planner = (*GenkitPlannerAdapter)(nil)

// NewGenkitPlannerAdapter creates a new adapter for the planner flow. cache may be nil.
func NewGenkitPlannerAdapter(plannerFlow *PlannerFlow, cache explorer.Cache, logger *slog.Logger) *GenkitPlannerAdapter {
	return newPlannerAdapter(plannerFlow.Run, cache, logger)
}

func newPlannerAdapter(run planFunc, cache explorer.Cache, logger *slog.Logger) *GenkitPlannerAdapter {
	return &GenkitPlannerAdapter{
		run:    run,
		cache:  cache,
		logger: logging.OrDiscard(logger),
	}
}

// GeneratePlan implements the explorer.Planner interface.
func (a *GenkitPlannerAdapter) GeneratePlan(ctx context.Context, input explorer.PlannerInput) (*explorer.Plan, error) {
	cacheKey := a.generateCacheKey(input)

	if a.cache != nil && input.CurrentState == nil {
		if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
			if plan, ok := decodeCachedPlan(cached); ok {
				a.logger.Debug("Planner cache hit", "key", cacheKey, "steps", plan.Len())
				return explorer.NewPlan(plan.Query, plan.Text, plan.Steps), nil
			}
			a.logger.Warn("Discarding cached plan of unexpected type", "key", cacheKey, "type", fmt.Sprintf("%T", cached))
		}
	}

	plan, err := a.run(ctx, &input)
	if err != nil {
		return nil, fmt.Errorf("planner flow execution failed: %w", err)
	}
	if plan == nil || plan.IsEmpty() {
		a.logger.Warn("Planner flow returned no steps", "query", input.Query)
		text := ""
		if plan != nil {
			text = plan.Text
		}
		return explorer.NewPlan(input.Query, text, nil), nil
	}
	if plan.Query == "" {
		plan.Query = input.Query
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, plan); err != nil {
			a.logger.Warn("Failed to cache plan", "key", cacheKey, "error", err)
		}
	}

	return explorer.NewPlan(plan.Query, plan.Text, plan.Steps), nil
}

// decodeCachedPlan accepts a *Plan from an in-memory cache or the decoded
// JSON a file-backed cache returns.
func decodeCachedPlan(v interface{}) (*explorer.Plan, bool) {
	switch p := v.(type) {
	case *explorer.Plan:
		return p, p != nil && !p.IsEmpty()
	case nil:
		return nil, false
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, false
		}
		var plan explorer.Plan
		if err := json.Unmarshal(raw, &plan); err != nil || plan.IsEmpty() {
			return nil, false
		}
		return &plan, true
	}
}

// generateCacheKey hashes the query with the sorted tool names. Replanning
// fields are not part of the key.
func (a *GenkitPlannerAdapter) generateCacheKey(input explorer.PlannerInput) string {
	tools := make([]string, 0, len(input.ToolSchema))
	for name := range input.ToolSchema {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	cacheableInput := struct {
		Query string   `json:"query"`
		Tools []string `json:"tools"`
	}{
		Query: input.Query,
		Tools: tools,
	}

	inputBytes, err := json.Marshal(cacheableInput)
	if err != nil {
		return "planner:" + input.Query
	}

	hasher := sha1.New()
	hasher.Write(inputBytes)
	return "planner:" + hex.EncodeToString(hasher.Sum(nil))
}
