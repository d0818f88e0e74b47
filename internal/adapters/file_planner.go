package adapters

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/executor"
)

// FilePlanner answers queries with prewritten plan files. A query is matched
// against each plan's own query, case and surrounding space ignored.
type FilePlanner struct {
	plans map[string]*explorer.Plan
}

var _ explorer.Planner = (*FilePlanner)(nil)

// NewFilePlanner loads and validates every plan file in paths.
func NewFilePlanner(paths ...string) (*FilePlanner, error) {
	p := &FilePlanner{plans: make(map[string]*explorer.Plan, len(paths))}
	for _, path := range paths {
		plan, err := executor.LoadAndValidatePlan(path)
		if err != nil {
			return nil, fmt.Errorf("plan file %s: %w", filepath.Base(path), err)
		}
		if plan.Query == "" {
			return nil, fmt.Errorf("plan file %s has no query", filepath.Base(path))
		}
		p.plans[normalizeQuery(plan.Query)] = plan
	}
	return p, nil
}

// Len returns the number of loaded plans.
func (p *FilePlanner) Len() int {
	return len(p.plans)
}

// GeneratePlan implements the explorer.Planner interface.
func (p *FilePlanner) GeneratePlan(_ context.Context, input explorer.PlannerInput) (*explorer.Plan, error) {
	plan, ok := p.plans[normalizeQuery(input.Query)]
	if !ok {
		return nil, fmt.Errorf("no plan file answers query %q", input.Query)
	}
	return explorer.NewPlan(plan.Query, plan.Text, plan.Steps), nil
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
