// Package executor runs a single plan step: the step's tools are resolved and
// invoked one after another and their results are accumulated in order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
	"github.com/google/uuid"
)

// StepContext is what the scheduler hands the executor alongside a step.
type StepContext struct {
	// Attempt is 0 for the first run of a step and counts replays after that.
	Attempt int

	// Replay holds messages of tools that already succeeded in an earlier
	// attempt of this step. Those tools are not invoked again.
	Replay map[string]explorer.ToolMessage

	// Outputs holds the latest successful output of each tool from earlier steps.
	Outputs map[string]map[string]interface{}
}

// StepExecutor executes one step at a time. It holds no per-request state and
// may be shared by concurrent requests.
type StepExecutor struct {
	tools          explorer.ToolResolver
	maxStepRetries int
	retryDelay     time.Duration
	toolTimeout    time.Duration
	logger         *slog.Logger
	eventBus       eventbus.EventBus

	metrics StepMetrics
}

// ExecutorOption represents an option for configuring the StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithMaxStepRetries sets how many times a step may be replayed after a transient failure.
// A step therefore runs at most retries+1 times in total.
func WithMaxStepRetries(retries int) ExecutorOption {
	return func(e *StepExecutor) {
		e.maxStepRetries = retries
	}
}

// WithRetryDelay sets the pause before a replayed attempt starts.
func WithRetryDelay(delay time.Duration) ExecutorOption {
	return func(e *StepExecutor) {
		e.retryDelay = delay
	}
}

// WithToolTimeout sets the per-invocation timeout.
func WithToolTimeout(timeout time.Duration) ExecutorOption {
	return func(e *StepExecutor) {
		e.toolTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *StepExecutor) {
		e.logger = logger
	}
}

// WithEventBus publishes tool and step events on bus.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *StepExecutor) {
		e.eventBus = bus
	}
}

// WithConfig applies the retry and timeout settings of cfg.
func WithConfig(cfg explorer.Config) ExecutorOption {
	return func(e *StepExecutor) {
		e.maxStepRetries = cfg.MaxStepRetries
		e.retryDelay = cfg.RetryDelay
		e.toolTimeout = cfg.ToolTimeout
	}
}

// NewExecutor creates a step executor that resolves tools through tools.
func NewExecutor(tools explorer.ToolResolver, options ...ExecutorOption) *StepExecutor {
	defaults := explorer.DefaultConfig()
	e := &StepExecutor{
		tools:          tools,
		maxStepRetries: defaults.MaxStepRetries,
		retryDelay:     defaults.RetryDelay,
		toolTimeout:    defaults.ToolTimeout,
	}

	for _, option := range options {
		option(e)
	}

	e.logger = logging.OrDiscard(e.logger)
	if e.maxStepRetries < 0 {
		e.maxStepRetries = 0
	}
	if e.toolTimeout <= 0 {
		e.toolTimeout = defaults.ToolTimeout
	}
	if e.tools == nil {
		e.logger.Warn("Step executor initialized without a tool resolver; every tool will be reported missing")
	}

	return e
}

// MaxStepRetries returns the configured retry budget.
func (e *StepExecutor) MaxStepRetries() int {
	return e.maxStepRetries
}

// GetMetrics returns a copy of the current execution metrics.
func (e *StepExecutor) GetMetrics() StepMetrics {
	return e.metrics.Copy()
}

// Execute runs every tool of step in group order and reports the outcome of
// this attempt. Per-tool failures are recorded on the result and never stop
// the loop; only cancellation of ctx does.
func (e *StepExecutor) Execute(ctx context.Context, index int, step explorer.Step, sc StepContext) explorer.StepResult {
	st := explorer.NewStepExecutionState(index, sc.Attempt, step)
	result := explorer.StepResult{
		StepIndex: index,
		Attempt:   sc.Attempt,
		ToolsUsed: explorer.NewToolSet(),
	}

	logger := e.logger.With("step", index, "attempt", sc.Attempt)
	eventbus.Emit(ctx, e.eventBus, eventbus.EventStepStarted, step.Tools, "StepExecutor.Execute", map[string]interface{}{
		"step_index": index,
		"attempt":    sc.Attempt,
	})

	if sc.Attempt > 0 && e.retryDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.retryDelay):
		}
	}

	for pos, name := range step.Tools {
		if ctx.Err() != nil {
			logger.Info("Step cancelled before tool started", "tool", name, "remaining", len(step.Tools)-pos)
			result.Cancelled = true
			break
		}

		// A tool group is an ordered set: repeated identifiers run once.
		if st.Invoked.Has(name) {
			logger.Debug("Skipping repeated tool in group", "tool", name)
			continue
		}
		result.ToolsUsed.Add(name)

		if msg, ok := sc.Replay[name]; ok {
			st.Begin(name, msg.CallID)
			st.Finish(msg)
			e.metrics.recordReplay()
			logger.Debug("Replaying tool result from earlier attempt", "tool", name, "call_id", msg.CallID)
			eventbus.Emit(ctx, e.eventBus, eventbus.EventToolInvocationSkipped, name, "StepExecutor.Execute", map[string]interface{}{
				"step_index": index,
				"attempt":    sc.Attempt,
				"call_id":    msg.CallID,
			})
			continue
		}

		var tool explorer.Tool
		var err error
		if e.tools != nil {
			tool, err = e.tools.Resolve(name)
		} else {
			err = explorer.NewToolNotFoundError("execution", name)
		}
		if err != nil {
			st.Invoked.Add(name)
			result.Failures = append(result.Failures, explorer.ToolFailure{ToolName: name, Kind: explorer.FailureNotFound, Err: err})
			e.metrics.recordNotFound()
			logger.Warn("Tool not found", "tool", name)
			eventbus.Emit(ctx, e.eventBus, eventbus.EventToolNotFound, name, "StepExecutor.Execute", map[string]interface{}{
				"step_index": index,
			})
			continue
		}

		callID := uuid.New().String()
		st.Begin(name, callID)
		msg, failure := e.invoke(ctx, tool, step, st, sc.Outputs)
		st.Finish(msg)

		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			if failure.Kind == explorer.FailureCancelled {
				result.Cancelled = true
				break
			}
		}
	}

	result.Messages = st.Messages
	e.finish(ctx, logger, &result)
	return result
}

// finish derives HasErrors and ShouldRetry from the recorded failures.
func (e *StepExecutor) finish(ctx context.Context, logger *slog.Logger, result *explorer.StepResult) {
	transient := false
	permanent := false
	for _, f := range result.Failures {
		switch f.Kind {
		case explorer.FailureTransient:
			transient = true
		default:
			permanent = true
		}
	}

	budgetLeft := result.Attempt < e.maxStepRetries
	result.ShouldRetry = transient && budgetLeft && !result.Cancelled

	if transient && !result.ShouldRetry {
		// Out of budget: transient failures become permanent.
		for i := range result.Failures {
			if result.Failures[i].Kind == explorer.FailureTransient {
				result.Failures[i].Kind = explorer.FailurePermanent
			}
		}
		permanent = true
	}
	result.HasErrors = permanent || result.Cancelled

	e.metrics.recordStep(result.HasErrors, result.ShouldRetry)

	meta := map[string]interface{}{
		"step_index":   result.StepIndex,
		"attempt":      result.Attempt,
		"messages":     len(result.Messages),
		"failures":     len(result.Failures),
		"has_errors":   result.HasErrors,
		"should_retry": result.ShouldRetry,
	}
	switch {
	case result.ShouldRetry:
		logger.Info("Step failed transiently, requesting retry",
			"failures", len(result.Failures),
			"max_step_retries", e.maxStepRetries)
		eventbus.Emit(ctx, e.eventBus, eventbus.EventStepRetry, result.StepIndex, "StepExecutor.Execute", meta)
	case result.HasErrors:
		logger.Warn("Step finished with errors",
			"failures", len(result.Failures),
			"cancelled", result.Cancelled)
		eventbus.Emit(ctx, e.eventBus, eventbus.EventStepFailed, result.StepIndex, "StepExecutor.Execute", meta)
	default:
		logger.Info("Step completed", "messages", len(result.Messages))
		eventbus.Emit(ctx, e.eventBus, eventbus.EventStepCompleted, result.StepIndex, "StepExecutor.Execute", meta)
	}
}

// invoke resolves arguments, validates and calls one tool under the
// per-invocation timeout. It always returns a message; the failure is nil on success.
func (e *StepExecutor) invoke(ctx context.Context, tool explorer.Tool, step explorer.Step,
	st *explorer.StepExecutionState, outputs map[string]map[string]interface{}) (explorer.ToolMessage, *explorer.ToolFailure) {

	name := tool.Name()
	msg := explorer.ToolMessage{
		ToolName:  name,
		CallID:    st.InFlightCallID,
		StepIndex: st.StepIndex,
		Attempt:   st.Attempt,
	}
	logger := e.logger.With("step", st.StepIndex, "attempt", st.Attempt, "tool", name, "call_id", msg.CallID)

	fail := func(kind explorer.FailureKind, err error) (explorer.ToolMessage, *explorer.ToolFailure) {
		msg.Error = err.Error()
		e.metrics.recordInvocation(msg.Duration, true, kind == explorer.FailureTransient)
		eventbus.Emit(ctx, e.eventBus, eventbus.EventToolInvocationFailure, name, "StepExecutor.invoke", map[string]interface{}{
			"step_index": st.StepIndex,
			"call_id":    msg.CallID,
			"kind":       string(kind),
			"error":      err.Error(),
		})
		logger.Warn("Tool invocation failed", "kind", kind, "error", err)
		return msg, &explorer.ToolFailure{ToolName: name, Kind: kind, Err: err}
	}

	args, err := resolveArguments(name, step, outputs)
	if err != nil {
		return fail(explorer.FailurePermanent, err)
	}
	if err := tool.Validate(args); err != nil {
		return fail(explorer.FailurePermanent, explorer.NewValidationError("execution", fmt.Sprintf("invalid input for tool '%s'", name), err))
	}

	eventbus.Emit(ctx, e.eventBus, eventbus.EventToolInvocationStarted, name, "StepExecutor.invoke", map[string]interface{}{
		"step_index": st.StepIndex,
		"call_id":    msg.CallID,
	})
	logger.Debug("Invoking tool")

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	output, toolErr := tool.Execute(callCtx, args)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	msg.Duration = time.Since(start)

	if toolErr != nil {
		switch {
		case ctx.Err() != nil:
			return fail(explorer.FailureCancelled, explorer.NewCancelledError("execution", ctx.Err()))
		case timedOut:
			return fail(explorer.FailureTransient, explorer.NewTimeoutError("execution",
				fmt.Errorf("tool '%s' timed out after %v: %w", name, e.toolTimeout, toolErr)))
		default:
			transient := explorer.IsTransient(toolErr)
			if !explorer.IsExplorerError(toolErr) {
				toolErr = explorer.NewToolExecutionError("execution", name, toolErr, transient)
			}
			kind := explorer.FailurePermanent
			if transient {
				kind = explorer.FailureTransient
			}
			return fail(kind, toolErr)
		}
	}

	if output == nil {
		return fail(explorer.FailurePermanent, explorer.NewInternalError("execution",
			fmt.Sprintf("tool '%s' returned a nil result map", name), nil))
	}

	msg.Output = output
	e.metrics.recordInvocation(msg.Duration, false, false)
	eventbus.Emit(ctx, e.eventBus, eventbus.EventToolInvocationSuccess, name, "StepExecutor.invoke", map[string]interface{}{
		"step_index":  st.StepIndex,
		"call_id":     msg.CallID,
		"duration_ms": msg.Duration.Milliseconds(),
	})
	logger.Debug("Tool invocation succeeded", "duration", msg.Duration)
	return msg, nil
}
