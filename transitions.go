package explorer

import (
	"context"
	"log/slog"
	"time"

	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
)

// Components holds the collaborators the request state machine calls into.
type Components struct {
	Planner    Planner
	Runner     PlanRunner
	Aggregator Aggregator
	Tools      ToolCatalog
	Logger     *slog.Logger
}

// CreateProcessStateMachine builds the request workflow:
// init -> planning -> execution -> aggregation -> complete.
// Requests that arrive with a plan skip planning.
func CreateProcessStateMachine(components Components, eventBus eventbus.EventBus) *StateMachine {
	components.Logger = logging.OrDiscard(components.Logger)
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecution, createExecutionTransition(components))
	sm.RegisterTransition(StateAggregation, createAggregationTransition(components))

	return sm
}

func createInitTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		eventbus.Emit(ctx, eb, eventbus.EventQueryProcessingStarted, pCtx.Query, "StateMachine.Init", map[string]interface{}{
			"run_id":    pCtx.RunID,
			"timestamp": time.Now().Format(time.RFC3339),
		})

		if pCtx.Plan != nil {
			components.Logger.Debug("Plan supplied, skipping planning", "run_id", pCtx.RunID, "resume_index", pCtx.ResumeIndex)
			return StateExecution, nil
		}
		return StatePlanning, nil
	}
}

func createPlanningTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if components.Planner == nil {
			return StateError, NewConfigurationError("no planner configured", nil)
		}

		input := PlannerInput{Query: pCtx.Query}
		if components.Tools != nil {
			input.ToolSchema = components.Tools.Schemas()
		}

		eventbus.Emit(ctx, eb, eventbus.EventPlanGenerationStarted, input, "StateMachine.Planning", nil)

		plan, err := components.Planner.GeneratePlan(ctx, input)
		if err != nil {
			eventbus.Emit(ctx, eb, eventbus.EventPlanGenerationFailure, err.Error(), "StateMachine.Planning", map[string]interface{}{
				"error": err.Error(),
			})
			eventbus.Emit(ctx, eb, eventbus.EventQueryProcessingFailure, pCtx.Query, "StateMachine.Planning", map[string]interface{}{
				"error": err.Error(),
				"stage": "plan_generation",
			})
			if isCancellation(err) {
				return StateCancelled, err
			}
			if IsExplorerError(err) {
				return StateError, err
			}
			return StateError, NewPlanGenerationError(err)
		}

		eventbus.Emit(ctx, eb, eventbus.EventPlanGenerationSuccess, plan, "StateMachine.Planning", map[string]interface{}{
			"step_count": plan.GetStepCount(),
		})
		components.Logger.Info("Plan generated", "run_id", pCtx.RunID, "steps", plan.GetStepCount())

		// A nil plan is passed on as-is: the runner finalizes absent plans.
		pCtx.Plan = plan
		return StateExecution, nil
	}
}

func createExecutionTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if components.Runner == nil {
			return StateError, NewConfigurationError("no plan runner configured", nil)
		}

		state := NewExecutionState(pCtx.RunID, pCtx.Plan, pCtx.ResumeIndex)
		outcome, err := components.Runner.Run(ctx, state)
		if err != nil {
			eventbus.Emit(ctx, eb, eventbus.EventQueryProcessingFailure, pCtx.Query, "StateMachine.Execution", map[string]interface{}{
				"error": err.Error(),
				"stage": "execution",
			})
			return StateError, err
		}
		pCtx.Outcome = outcome

		if outcome.Cancelled {
			return StateCancelled, NewCancelledError(string(StateExecution), ctx.Err())
		}

		components.Logger.Info("Plan finished",
			"run_id", pCtx.RunID,
			"steps", len(outcome.Steps),
			"tools_used", len(outcome.ToolsUsed),
			"has_errors", outcome.HasErrors)
		return StateAggregation, nil
	}
}

func createAggregationTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if components.Aggregator == nil {
			return StateError, NewConfigurationError("no aggregator configured", nil)
		}

		eventbus.Emit(ctx, eb, eventbus.EventAggregationStarted, pCtx.Query, "StateMachine.Aggregation", map[string]interface{}{
			"step_count": len(pCtx.Outcome.Steps),
			"has_errors": pCtx.Outcome.HasErrors,
		})

		answer, err := components.Aggregator.Aggregate(ctx, pCtx.Query, pCtx.Outcome)
		if err != nil {
			eventbus.Emit(ctx, eb, eventbus.EventAggregationFailure, err.Error(), "StateMachine.Aggregation", map[string]interface{}{
				"error": err.Error(),
			})
			eventbus.Emit(ctx, eb, eventbus.EventQueryProcessingFailure, pCtx.Query, "StateMachine.Aggregation", map[string]interface{}{
				"error": err.Error(),
				"stage": "aggregation",
			})
			if isCancellation(err) {
				return StateCancelled, err
			}
			return StateError, NewAggregationError(err)
		}

		eventbus.Emit(ctx, eb, eventbus.EventAggregationSuccess, answer, "StateMachine.Aggregation", map[string]interface{}{
			"answer_length": len(answer),
		})
		eventbus.Emit(ctx, eb, eventbus.EventQueryProcessingSuccess, pCtx.Query, "StateMachine.Aggregation", map[string]interface{}{
			"run_id":       pCtx.RunID,
			"final_answer": answer,
		})

		pCtx.FinalAnswer = answer
		return StateComplete, nil
	}
}
