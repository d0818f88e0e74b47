package explorer

import (
	"context"
	"fmt"
	"time"

	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
	"github.com/google/uuid"
)

// asyncExecution is the bookkeeping for one ProcessAsync call. All fields are
// guarded by Agent.asyncExecutionsMutex.
type asyncExecution struct {
	query     string
	state     ProcessState
	startTime time.Time
	endTime   time.Time
	cancel    context.CancelFunc
	result    *Result
	err       error
	errStage  string

	cancelledByUser bool
}

func (e *asyncExecution) terminal() bool {
	return e.state == StateComplete || e.state == StateError || e.state == StateCancelled
}

// AsyncExecutionStatus represents the status information for an async execution.
type AsyncExecutionStatus struct {
	ExecutionID  string        `json:"execution_id"`
	Query        string        `json:"query"`
	CurrentState ProcessState  `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// ProcessAsync starts processing query in the background and returns an
// execution ID for status and result lookups. The execution is detached from
// ctx; use CancelAsyncProcess to stop it.
func (a *Agent) ProcessAsync(ctx context.Context, query string) (string, error) {
	executionID := uuid.New().String()
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	exec := &asyncExecution{
		query:     query,
		state:     StateInit,
		startTime: time.Now(),
		cancel:    cancel,
	}
	a.asyncExecutionsMutex.Lock()
	a.asyncExecutions[executionID] = exec
	a.asyncExecutionsMutex.Unlock()

	eventbus.Emit(ctx, a.EventBus(), eventbus.EventQueryAsyncProcessingStarted, query, "Agent.ProcessAsync", map[string]interface{}{
		"timestamp":    time.Now().Format(time.RFC3339),
		"execution_id": executionID,
	})

	// Terminal states are stored together with the result once run returns.
	observe := func(pCtx *ProcessContext, _, to ProcessState) {
		if pCtx.IsTerminal() {
			return
		}
		a.asyncExecutionsMutex.Lock()
		if !exec.cancelledByUser {
			exec.state = to
		}
		a.asyncExecutionsMutex.Unlock()
	}

	go func() {
		defer cancel()

		pCtx := NewProcessContext(executionID, query)
		result, err := a.run(asyncCtx, pCtx, observe)

		a.asyncExecutionsMutex.Lock()
		exec.result = result
		exec.endTime = time.Now()
		if !exec.cancelledByUser {
			exec.state = pCtx.CurrentState
			exec.err = err
			exec.errStage = pCtx.ErrorStage
		}
		a.asyncExecutionsMutex.Unlock()

		eventType := eventbus.EventQueryAsyncProcessingSuccess
		metadata := map[string]interface{}{
			"execution_id": executionID,
			"duration_ms":  pCtx.GetTotalDuration().Milliseconds(),
		}
		if err != nil {
			eventType = eventbus.EventQueryAsyncProcessingFailure
			metadata["error"] = err.Error()
			metadata["error_stage"] = pCtx.ErrorStage
		}
		eventbus.Emit(context.Background(), a.EventBus(), eventType, query, "Agent.ProcessAsync", metadata)
	}()

	return executionID, nil
}

// GetAsyncStatus retrieves the current status of an async execution.
func (a *Agent) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	a.asyncExecutionsMutex.RLock()
	defer a.asyncExecutionsMutex.RUnlock()

	exec, exists := a.asyncExecutions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	duration := time.Since(exec.startTime)
	if !exec.endTime.IsZero() {
		duration = exec.endTime.Sub(exec.startTime)
	}

	status := &AsyncExecutionStatus{
		ExecutionID:  executionID,
		Query:        exec.query,
		CurrentState: exec.state,
		StartTime:    exec.startTime,
		Duration:     duration,
		IsComplete:   exec.state == StateComplete,
		HasError:     exec.state == StateError || exec.state == StateCancelled,
	}
	if exec.err != nil {
		status.ErrorMessage = exec.err.Error()
		status.ErrorStage = exec.errStage
	}

	return status, nil
}

// GetAsyncResult retrieves the result of a completed async execution.
// Returns an error if the execution is still running, failed or was cancelled.
func (a *Agent) GetAsyncResult(executionID string) (*Result, error) {
	a.asyncExecutionsMutex.RLock()
	defer a.asyncExecutionsMutex.RUnlock()

	exec, exists := a.asyncExecutions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	switch exec.state {
	case StateComplete:
		return exec.result, nil
	case StateError, StateCancelled:
		return exec.result, fmt.Errorf("execution %s during stage '%s': %w", exec.state, exec.errStage, exec.err)
	default:
		return nil, fmt.Errorf("execution is still in progress (current state: %s)", exec.state)
	}
}

// CancelAsyncProcess cancels an ongoing async execution.
// Returns true if the execution was cancelled, false if it had already finished.
func (a *Agent) CancelAsyncProcess(executionID string) (bool, error) {
	a.asyncExecutionsMutex.Lock()
	defer a.asyncExecutionsMutex.Unlock()

	exec, exists := a.asyncExecutions[executionID]
	if !exists {
		return false, fmt.Errorf("execution with ID '%s' not found", executionID)
	}
	if exec.terminal() {
		return false, nil
	}

	exec.cancel()
	exec.cancelledByUser = true
	exec.state = StateCancelled
	exec.err = NewCancelledError(exec.errStage, fmt.Errorf("execution cancelled by user"))
	exec.errStage = "cancelled"

	eventbus.Emit(context.Background(), a.EventBus(), eventbus.EventQueryAsyncProcessingCancelled, exec.query, "Agent.CancelAsyncProcess", map[string]interface{}{
		"execution_id": executionID,
		"duration_ms":  time.Since(exec.startTime).Milliseconds(),
	})

	return true, nil
}

// ListAsyncExecutions returns every async execution ID with its current state.
func (a *Agent) ListAsyncExecutions() map[string]string {
	a.asyncExecutionsMutex.RLock()
	defer a.asyncExecutionsMutex.RUnlock()

	result := make(map[string]string, len(a.asyncExecutions))
	for id, exec := range a.asyncExecutions {
		result[id] = string(exec.state)
	}
	return result
}

// CleanupCompletedExecutions removes finished executions that ended more than
// olderThan ago and returns how many were removed.
func (a *Agent) CleanupCompletedExecutions(olderThan time.Duration) int {
	a.asyncExecutionsMutex.Lock()
	defer a.asyncExecutionsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, exec := range a.asyncExecutions {
		if exec.terminal() && !exec.endTime.IsZero() && now.Sub(exec.endTime) > olderThan {
			delete(a.asyncExecutions, id)
			count++
		}
	}
	return count
}
