// Package explorer runs data-exploration plans: a plan of steps, each naming a
// group of tools, is executed step by step and the accumulated tool results are
// handed to an aggregator that produces the final answer.
package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// Agent is the entry point for answering a query end to end.
type Agent struct {
	planner    Planner
	runner     PlanRunner
	aggregator Aggregator
	tools      ToolCatalog
	eventBus   eventbus.EventBus
	ownsBus    bool
	logger     *slog.Logger

	config Config

	asyncExecutions      map[string]*asyncExecution
	asyncExecutionsMutex sync.RWMutex
}

// Result is what a finished request returns.
type Result struct {
	RunID    string        `json:"run_id"`
	Query    string        `json:"query"`
	Answer   string        `json:"answer"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Option is a function that configures an Agent.
type Option func(*Agent)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(a *Agent) {
		a.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(a *Agent) {
		a.planner = planner
	}
}

// WithRunner sets the component that drives a plan to completion.
func WithRunner(runner PlanRunner) Option {
	return func(a *Agent) {
		a.runner = runner
	}
}

// WithAggregator sets the aggregator component.
func WithAggregator(aggregator Aggregator) Option {
	return func(a *Agent) {
		a.aggregator = aggregator
	}
}

// WithTools sets the tool catalog offered to the planner.
func WithTools(tools ToolCatalog) Option {
	return func(a *Agent) {
		a.tools = tools
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates an Agent. A runner and an aggregator are required; a planner is
// only needed by Process and ProcessAsync.
func New(options ...Option) (*Agent, error) {
	a := &Agent{
		config:          DefaultConfig(),
		asyncExecutions: make(map[string]*asyncExecution),
	}

	for _, option := range options {
		option(a)
	}

	if err := a.config.Validate(); err != nil {
		return nil, err
	}
	if a.runner == nil {
		return nil, NewConfigurationError("plan runner is required", nil)
	}
	if a.aggregator == nil {
		return nil, NewConfigurationError("aggregator is required", nil)
	}
	a.logger = logging.OrDiscard(a.logger)

	if a.config.EnableEventBus && a.eventBus == nil {
		a.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(a.config.EventBusBufferSize),
			eventbus.WithWorkerCount(a.config.EventBusWorkerCount),
			eventbus.WithLogger(a.logger),
		)
		a.ownsBus = true
		a.logger.Debug("Initialized default channel-based event bus")
	}

	return a, nil
}

// EventBus returns the bus lifecycle events are published on, or nil.
func (a *Agent) EventBus() eventbus.EventBus {
	if !a.config.EnableEventBus {
		return nil
	}
	return a.eventBus
}

// Close releases the event bus if the agent created it.
func (a *Agent) Close() error {
	if a.ownsBus && a.eventBus != nil {
		return a.eventBus.Close()
	}
	return nil
}

// GetToolSchemas returns the schemas of all catalogued tools, for planner prompts.
func (a *Agent) GetToolSchemas() map[string]map[string]interface{} {
	if a.tools == nil {
		return map[string]map[string]interface{}{}
	}
	return a.tools.Schemas()
}

// ListTools returns the sorted names of all catalogued tools.
func (a *Agent) ListTools() []string {
	if a.tools == nil {
		return nil
	}
	return a.tools.Names()
}

// Process plans, executes and aggregates query.
func (a *Agent) Process(ctx context.Context, query string) (*Result, error) {
	return a.run(ctx, NewProcessContext(uuid.New().String(), query), nil)
}

// ProcessPlan executes an already generated plan starting at resumeIndex, then
// aggregates. Steps before resumeIndex are not run.
func (a *Agent) ProcessPlan(ctx context.Context, query string, plan *Plan, resumeIndex int) (*Result, error) {
	if plan == nil {
		plan = NewPlan(query, "", nil)
	}
	pCtx := NewProcessContext(uuid.New().String(), query)
	pCtx.Plan = plan
	pCtx.ResumeIndex = resumeIndex
	return a.run(ctx, pCtx, nil)
}

func (a *Agent) run(ctx context.Context, pCtx *ProcessContext, observe TransitionObserver) (*Result, error) {
	sm := a.createStateMachine()
	if observe != nil {
		sm.OnTransition(observe)
	}

	ctx = logging.WithLogger(ctx, a.logger.With("run_id", pCtx.RunID))
	answer, err := sm.Execute(ctx, pCtx)
	result := &Result{
		RunID:    pCtx.RunID,
		Query:    pCtx.Query,
		Answer:   answer,
		Outcome:  pCtx.Outcome,
		Duration: pCtx.GetTotalDuration(),
	}
	if err != nil {
		a.logger.Warn("Request failed",
			"run_id", pCtx.RunID,
			"stage", pCtx.ErrorStage,
			"state", pCtx.CurrentState,
			"error", err)
		return result, err
	}
	return result, nil
}

func (a *Agent) createStateMachine() *StateMachine {
	components := Components{
		Planner:    a.planner,
		Runner:     a.runner,
		Aggregator: a.aggregator,
		Tools:      a.tools,
		Logger:     a.logger,
	}
	sm := CreateProcessStateMachine(components, a.EventBus())
	sm.OnTransition(func(pCtx *ProcessContext, from, to ProcessState) {
		a.logger.Debug("State transition", "run_id", pCtx.RunID, "from", from, "to", to)
	})
	return sm
}

// BatchResult pairs a query of ProcessBatch with its result.
type BatchResult struct {
	Query  string
	Result *Result
	Err    error
}

// ProcessBatch processes independent queries concurrently, at most
// MaxConcurrentRequests at a time. Results keep the order of queries.
func (a *Agent) ProcessBatch(ctx context.Context, queries []string) []BatchResult {
	results := make([]BatchResult, len(queries))
	p := pool.New().WithMaxGoroutines(a.config.MaxConcurrentRequests)
	for i, q := range queries {
		i, q := i, q
		p.Go(func() {
			res, err := a.Process(ctx, q)
			results[i] = BatchResult{Query: q, Result: res, Err: err}
		})
	}
	p.Wait()
	return results
}

// String implements fmt.Stringer for logging.
func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("run %s: %d chars in %s", r.RunID, len(r.Answer), r.Duration)
}
