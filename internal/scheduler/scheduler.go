// Package scheduler owns a plan's cursor. It dispatches one step at a time to
// the step executor and decides after each step whether to advance, replay
// the step or finalize.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/executor"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
)

// Target is the symbolic result of Route.
type Target string

const (
	// TargetExecuteStep means the step at the cursor should run next.
	TargetExecuteStep Target = "EXECUTE_STEP"
	// TargetFinalize means control passes to aggregation.
	TargetFinalize Target = "FINALIZE"
)

// StepExecutor runs a single step. *executor.StepExecutor satisfies it.
type StepExecutor interface {
	Execute(ctx context.Context, index int, step explorer.Step, sc executor.StepContext) explorer.StepResult
}

// InitResult is returned by Initialize.
type InitResult struct {
	ContinueExecution bool
}

// Scheduler drives ExecutionStates. It keeps no per-request state and can be
// shared by concurrent requests, each with its own ExecutionState.
type Scheduler struct {
	executor       StepExecutor
	logger         *slog.Logger
	eventBus       eventbus.EventBus
	maxTransitions int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithEventBus publishes plan events on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) {
		s.eventBus = bus
	}
}

// WithMaxTransitions bounds the number of step dispatches for one plan.
func WithMaxTransitions(n int) Option {
	return func(s *Scheduler) {
		s.maxTransitions = n
	}
}

// WithConfig applies the scheduler settings of cfg.
func WithConfig(cfg explorer.Config) Option {
	return func(s *Scheduler) {
		s.maxTransitions = cfg.MaxTransitions
	}
}

// New creates a scheduler that dispatches steps to exec.
func New(exec StepExecutor, options ...Option) *Scheduler {
	s := &Scheduler{
		executor:       exec,
		maxTransitions: explorer.DefaultConfig().MaxTransitions,
	}
	for _, option := range options {
		option(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	if s.maxTransitions <= 0 {
		s.maxTransitions = explorer.DefaultConfig().MaxTransitions
	}
	return s
}

var _ explorer.PlanRunner = (*Scheduler)(nil)

// Initialize inspects the plan and cursor. An absent or empty plan is not an
// error: it yields ContinueExecution=false. A cursor outside [0, len] is.
func (s *Scheduler) Initialize(state *explorer.ExecutionState) (InitResult, error) {
	if state == nil {
		return InitResult{}, explorer.NewInvalidPlanStateError("execution state is nil", nil)
	}
	logger := s.logger.With("run_id", state.RunID)

	if state.Plan.IsEmpty() {
		logger.Warn("Plan has no steps to run")
		state.ContinueExecution = false
		return InitResult{ContinueExecution: false}, nil
	}

	n := state.Plan.Len()
	if state.CurrentStepIndex < 0 || state.CurrentStepIndex > n {
		return InitResult{}, explorer.NewInvalidPlanStateError(
			fmt.Sprintf("resume index %d is outside plan of %d steps", state.CurrentStepIndex, n), nil)
	}
	ensureMaps(state)

	state.ContinueExecution = state.CurrentStepIndex < n
	logger.Info("Plan initialized", "steps", n, "start_index", state.CurrentStepIndex)
	return InitResult{ContinueExecution: state.ContinueExecution}, nil
}

// Route decides where control goes next. It reads state only and returns the
// same target for the same state.
func (s *Scheduler) Route(state *explorer.ExecutionState) Target {
	return Route(state)
}

// Route is the package-level form of Scheduler.Route.
func Route(state *explorer.ExecutionState) Target {
	if state == nil || state.Plan.IsEmpty() || state.Cancelled {
		return TargetFinalize
	}
	if state.CurrentStepIndex < 0 || state.CurrentStepIndex >= state.Plan.Len() {
		return TargetFinalize
	}
	return TargetExecuteStep
}

// Advance applies the result of the step at the cursor. A retry request keeps
// the cursor and carries the messages of already succeeded tools into the
// next attempt. Any other result is recorded and moves the cursor forward.
func (s *Scheduler) Advance(state *explorer.ExecutionState, result explorer.StepResult) error {
	if state == nil {
		return explorer.NewInvalidPlanStateError("execution state is nil", nil)
	}
	if result.StepIndex != state.CurrentStepIndex {
		return explorer.NewInvalidPlanStateError(
			fmt.Sprintf("step result for index %d does not match cursor %d", result.StepIndex, state.CurrentStepIndex), nil)
	}
	step, ok := state.Plan.Step(state.CurrentStepIndex)
	if !ok {
		return explorer.NewInvalidPlanStateError(
			fmt.Sprintf("cursor %d is outside plan of %d steps", state.CurrentStepIndex, state.Plan.Len()), nil)
	}

	ensureMaps(state)
	state.HasErrors = result.HasErrors
	state.ShouldRetry = result.ShouldRetry
	state.ToolsUsed.Merge(result.ToolsUsed)

	if state.ShouldRetry && !result.Cancelled {
		replay := make(map[string]explorer.ToolMessage, len(result.Messages))
		for _, msg := range result.Messages {
			if msg.Succeeded() {
				replay[msg.ToolName] = msg
			}
		}
		state.Replay = replay
		state.StepAttempt++
		state.HasErrors, state.ShouldRetry = false, false
		state.ContinueExecution = true
		return nil
	}

	state.Records = append(state.Records, explorer.StepRecord{
		Index:       result.StepIndex,
		Description: step.Description,
		Tools:       append([]string(nil), step.Tools...),
		Messages:    result.Messages,
		Failures:    result.Failures,
		HasErrors:   result.HasErrors,
		Attempts:    state.StepAttempt + 1,
	})
	state.AnyStepErrors = state.AnyStepErrors || result.HasErrors
	for _, msg := range result.Messages {
		if msg.Succeeded() && msg.Output != nil {
			state.Outputs[msg.ToolName] = msg.Output
		}
	}

	state.CurrentStepIndex++
	state.StepAttempt = 0
	state.Replay = make(map[string]explorer.ToolMessage)
	state.HasErrors, state.ShouldRetry = false, false

	if result.Cancelled {
		state.Cancelled = true
		state.ContinueExecution = false
		return nil
	}
	state.ContinueExecution = state.CurrentStepIndex < state.Plan.Len()
	return nil
}

// Run executes state's plan from its cursor to the end and returns the
// finalized outcome. Errors are returned only when the plan state itself is
// invalid; tool and step failures are reported on the outcome.
func (s *Scheduler) Run(ctx context.Context, state *explorer.ExecutionState) (*explorer.Outcome, error) {
	initResult, err := s.Initialize(state)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("run_id", state.RunID)

	if !initResult.ContinueExecution && state.Plan.IsEmpty() {
		eventbus.Emit(ctx, s.eventBus, eventbus.EventPlanEmpty, state.RunID, "Scheduler.Run", nil)
	} else {
		eventbus.Emit(ctx, s.eventBus, eventbus.EventPlanInitialized, state.RunID, "Scheduler.Run", map[string]interface{}{
			"steps":       state.Plan.Len(),
			"start_index": state.CurrentStepIndex,
		})
	}

	for s.Route(state) == TargetExecuteStep {
		if ctx.Err() != nil {
			logger.Info("Request cancelled, finalizing", "step", state.CurrentStepIndex)
			state.Cancelled = true
			break
		}
		if state.Transitions >= s.maxTransitions {
			return nil, explorer.NewInvalidPlanStateError(
				fmt.Sprintf("plan exceeded %d transitions", s.maxTransitions), nil)
		}
		state.Transitions++

		step, _ := state.Plan.Step(state.CurrentStepIndex)
		result := s.executor.Execute(ctx, state.CurrentStepIndex, step, executor.StepContext{
			Attempt: state.StepAttempt,
			Replay:  state.Replay,
			Outputs: state.Outputs,
		})
		if err := s.Advance(state, result); err != nil {
			logger.Error("Scheduler could not advance", "error", err)
			return nil, err
		}
	}

	outcome := finalize(state)
	logger.Info("Plan finalized",
		"steps_recorded", len(outcome.Steps),
		"tools_used", len(outcome.ToolsUsed),
		"has_errors", outcome.HasErrors,
		"cancelled", outcome.Cancelled,
		"transitions", outcome.Transitions)
	eventbus.Emit(ctx, s.eventBus, eventbus.EventPlanFinalized, state.RunID, "Scheduler.Run", map[string]interface{}{
		"steps":       len(outcome.Steps),
		"has_errors":  outcome.HasErrors,
		"cancelled":   outcome.Cancelled,
		"transitions": outcome.Transitions,
	})
	return outcome, nil
}

func ensureMaps(state *explorer.ExecutionState) {
	if state.ToolsUsed == nil {
		state.ToolsUsed = explorer.NewToolSet()
	}
	if state.Outputs == nil {
		state.Outputs = make(map[string]map[string]interface{})
	}
	if state.Replay == nil {
		state.Replay = make(map[string]explorer.ToolMessage)
	}
}

func finalize(state *explorer.ExecutionState) *explorer.Outcome {
	query := ""
	if state.Plan != nil {
		query = state.Plan.Query
	}
	return &explorer.Outcome{
		RunID:       state.RunID,
		Query:       query,
		Steps:       state.Records,
		ToolsUsed:   state.ToolsUsed.Sorted(),
		HasErrors:   state.AnyStepErrors || state.Cancelled,
		Cancelled:   state.Cancelled,
		Transitions: state.Transitions,
	}
}
