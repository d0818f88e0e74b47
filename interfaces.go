package explorer

import "context"

// Planner is responsible for generating an execution plan from user input.
type Planner interface {
	GeneratePlan(ctx context.Context, input PlannerInput) (*Plan, error)
}

// Tool represents an invocable capability that a plan step can name.
type Tool interface {
	// Execute performs the tool's action.
	// input contains the arguments resolved from the step context and earlier outputs.
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

	// Schema returns a description of the tool, used by the Planner.
	// Standard keys should include:
	// - "description": string description of what the tool does
	// - "parameters": map of parameter names to their descriptions
	// - "returns": description of the tool's return value
	// - "category": optional category for grouping related tools
	Schema() map[string]interface{}

	// Validate checks if the provided input is valid for this tool.
	// Returns nil if valid, error otherwise.
	Validate(input map[string]interface{}) error

	// Name returns the tool's unique identifier.
	Name() string
}

// ToolResolver looks tools up by identifier.
type ToolResolver interface {
	Resolve(name string) (Tool, error)
}

// PlanRunner drives a plan to completion.
type PlanRunner interface {
	Run(ctx context.Context, state *ExecutionState) (*Outcome, error)
}

// Aggregator turns a finalized outcome into the user-facing answer.
type Aggregator interface {
	Aggregate(ctx context.Context, query string, outcome *Outcome) (string, error)
}

// Cache provides storage for frequently accessed data, like generated plans.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// ToolCatalog is a ToolResolver that can also describe its tools to a planner.
type ToolCatalog interface {
	ToolResolver
	Names() []string
	Schemas() map[string]map[string]interface{}
}
