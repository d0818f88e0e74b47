package adapters

import (
	"context"
	"fmt"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"golang.org/x/time/rate"
)

// ToolFunc is the body of a tool.
type ToolFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// GoToolAdapter adapts a standard Go function to the explorer.Tool interface.
type GoToolAdapter struct {
	toolFunc    ToolFunc
	schema      map[string]interface{}
	name        string
	validator   func(map[string]interface{}) error
	description string
	category    string
	limiter     *rate.Limiter
}

var _ explorer.Tool = (*GoToolAdapter)(nil)

// ToolOption represents an option for configuring a GoToolAdapter.
type ToolOption func(*GoToolAdapter)

// WithValidator sets a custom validator function for the tool.
func WithValidator(validator func(map[string]interface{}) error) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.validator = validator
	}
}

// WithRequired replaces the validator with one that checks that every
// named argument is present and non-empty.
func WithRequired(args ...string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.validator = requireArgs(args)
		adapter.schema["required"] = args
	}
}

// WithCategory sets the tool's category.
func WithCategory(category string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.category = category
		adapter.schema["category"] = category
	}
}

// WithDescription sets a detailed description for the tool.
func WithDescription(description string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.description = description
		adapter.schema["description"] = description
	}
}

// WithParameters sets the parameters description in the schema.
func WithParameters(parameters map[string]string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.schema["parameters"] = parameters
	}
}

// WithReturns sets the return value description in the schema.
func WithReturns(returns string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.schema["returns"] = returns
	}
}

// WithExamples adds usage examples to the schema.
func WithExamples(examples []string) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.schema["examples"] = examples
	}
}

// WithRateLimit allows at most r invocations per second with the given burst.
// A call that cannot get a token before its context ends fails transiently.
func WithRateLimit(r rate.Limit, burst int) ToolOption {
	return func(adapter *GoToolAdapter) {
		adapter.limiter = rate.NewLimiter(r, burst)
	}
}

// NewGoToolAdapter creates a new adapter for a Go function.
func NewGoToolAdapter(name string, toolFunc ToolFunc, options ...ToolOption) *GoToolAdapter {
	adapter := &GoToolAdapter{
		toolFunc: toolFunc,
		schema:   map[string]interface{}{"name": name},
		name:     name,
		validator: func(input map[string]interface{}) error {
			if input == nil {
				return fmt.Errorf("input cannot be nil")
			}
			return nil
		},
	}

	for _, option := range options {
		option(adapter)
	}

	return adapter
}

// Execute implements the explorer.Tool interface.
func (a *GoToolAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if a.toolFunc == nil {
		return nil, explorer.MarkPermanent(fmt.Errorf("tool function is nil"))
	}

	if err := a.Validate(input); err != nil {
		return nil, explorer.MarkPermanent(fmt.Errorf("input validation failed for %s: %w", a.name, err))
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, explorer.MarkTransient(fmt.Errorf("rate limit wait for %s: %w", a.name, err))
		}
	}

	return a.toolFunc(ctx, input)
}

// Schema implements the explorer.Tool interface.
func (a *GoToolAdapter) Schema() map[string]interface{} {
	return a.schema
}

// Validate implements the explorer.Tool interface.
func (a *GoToolAdapter) Validate(input map[string]interface{}) error {
	if a.validator != nil {
		return a.validator(input)
	}
	return nil
}

// Name implements the explorer.Tool interface.
func (a *GoToolAdapter) Name() string {
	return a.name
}

func requireArgs(args []string) func(map[string]interface{}) error {
	return func(input map[string]interface{}) error {
		if input == nil {
			return fmt.Errorf("input cannot be nil")
		}
		for _, arg := range args {
			v, ok := input[arg]
			if !ok || v == nil {
				return fmt.Errorf("missing required argument '%s'", arg)
			}
			if s, isString := v.(string); isString && s == "" {
				return fmt.Errorf("argument '%s' must not be empty", arg)
			}
		}
		return nil
	}
}
