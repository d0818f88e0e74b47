package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/executor"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
	fail func(call int) error

	mu    sync.Mutex
	calls int
	last  map[string]interface{}
}

func (s *stubTool) Execute(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.last = input
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"tool": s.name, "call": call}, nil
}

func (s *stubTool) Schema() map[string]interface{} { return map[string]interface{}{} }
func (s *stubTool) Validate(map[string]interface{}) error { return nil }
func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubTool) LastInput() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func okTool(name string) *stubTool { return &stubTool{name: name} }

func failOnceTool(name string) *stubTool {
	return &stubTool{name: name, fail: func(call int) error {
		if call == 1 {
			return errors.New("temporary glitch")
		}
		return nil
	}}
}

func newScheduler(t *testing.T, budget int, tools ...explorer.Tool) *Scheduler {
	t.Helper()
	reg, err := registry.New(nil, tools...)
	require.NoError(t, err)
	exec := executor.NewExecutor(reg, executor.WithMaxStepRetries(budget), executor.WithRetryDelay(0))
	return New(exec)
}

func plan(groups ...[]string) *explorer.Plan {
	steps := make([]explorer.Step, len(groups))
	for i, g := range groups {
		steps[i] = explorer.Step{Tools: g}
	}
	return explorer.NewPlan("how many orders?", "look it up", steps)
}

func TestInitialize_EmptyOrAbsentPlan(t *testing.T) {
	s := New(nil)
	for name, p := range map[string]*explorer.Plan{"absent": nil, "empty": plan()} {
		t.Run(name, func(t *testing.T) {
			state := explorer.NewExecutionState("run", p, 0)
			res, err := s.Initialize(state)
			require.NoError(t, err)
			assert.False(t, res.ContinueExecution)
			assert.Equal(t, TargetFinalize, s.Route(state))
		})
	}
}

func TestInitialize_ResumeIndexOutOfRange(t *testing.T) {
	s := New(nil)
	for _, idx := range []int{-1, 3} {
		_, err := s.Initialize(explorer.NewExecutionState("run", plan([]string{"a"}, []string{"b"}), idx))
		require.Error(t, err)
		assert.Equal(t, explorer.ErrCodeInvalidPlanState, explorer.CodeOf(err))
	}

	res, err := s.Initialize(explorer.NewExecutionState("run", plan([]string{"a"}), 1))
	require.NoError(t, err)
	assert.False(t, res.ContinueExecution, "cursor at the end has nothing to run")
}

func TestRoute_Idempotent(t *testing.T) {
	state := explorer.NewExecutionState("run", plan([]string{"a"}, []string{"b"}), 0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, TargetExecuteStep, Route(state))
	}
	state.CurrentStepIndex = 2
	for i := 0; i < 5; i++ {
		assert.Equal(t, TargetFinalize, Route(state))
	}
	assert.Equal(t, TargetFinalize, Route(nil))
}

// recordingExecutor wraps a StepExecutor and records the trace of calls.
type recordingExecutor struct {
	inner StepExecutor
	trace []explorer.StepResult
}

func (r *recordingExecutor) Execute(ctx context.Context, index int, step explorer.Step, sc executor.StepContext) explorer.StepResult {
	res := r.inner.Execute(ctx, index, step, sc)
	r.trace = append(r.trace, res)
	return res
}

func TestRun_RetryThenAdvance(t *testing.T) {
	mockOK := okTool("mock_ok")
	flaky := failOnceTool("mock_fail_once_then_ok")
	reg, err := registry.New(nil, mockOK, flaky)
	require.NoError(t, err)
	rec := &recordingExecutor{inner: executor.NewExecutor(reg, executor.WithMaxStepRetries(1), executor.WithRetryDelay(0))}
	s := New(rec)

	state := explorer.NewExecutionState("run-1", plan([]string{"mock_ok"}, []string{"mock_fail_once_then_ok"}), 0)

	initResult, err := s.Initialize(state)
	require.NoError(t, err)
	require.True(t, initResult.ContinueExecution)
	require.Equal(t, TargetExecuteStep, s.Route(state))

	outcome, err := s.Run(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, rec.trace, 3)
	assert.Equal(t, 0, rec.trace[0].StepIndex)
	assert.False(t, rec.trace[0].ShouldRetry)
	assert.Equal(t, 1, rec.trace[1].StepIndex)
	assert.True(t, rec.trace[1].ShouldRetry)
	assert.Equal(t, 1, rec.trace[2].StepIndex)
	assert.Equal(t, 1, rec.trace[2].Attempt)
	assert.False(t, rec.trace[2].HasErrors)

	assert.Equal(t, 2, state.CurrentStepIndex)
	assert.Equal(t, TargetFinalize, s.Route(state))

	assert.False(t, outcome.HasErrors)
	assert.Equal(t, []string{"mock_fail_once_then_ok", "mock_ok"}, outcome.ToolsUsed)
	require.Len(t, outcome.Steps, 2)
	assert.Equal(t, 2, outcome.Steps[1].Attempts)
	require.Len(t, outcome.Steps[1].Messages, 1)
	assert.Equal(t, 3, outcome.Transitions)
	assert.Equal(t, 1, mockOK.Calls())
	assert.Equal(t, 2, flaky.Calls())
}

func TestRun_RetryDoesNotDuplicateToolsUsed(t *testing.T) {
	ok := okTool("ok")
	flaky := failOnceTool("flaky")
	s := newScheduler(t, 2, ok, flaky)
	state := explorer.NewExecutionState("run", plan([]string{"ok", "flaky"}), 0)

	outcome, err := s.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.ToolsUsed.Len())
	assert.Len(t, outcome.ToolsUsed, 2)
	assert.Equal(t, 1, ok.Calls(), "succeeded tool is replayed, not re-invoked")
	require.Len(t, outcome.Steps, 1)
	assert.Len(t, outcome.Steps[0].Messages, 2)
}

func TestRun_ErrorsAreOredAcrossSteps(t *testing.T) {
	s := newScheduler(t, 0, okTool("a"), okTool("c"))
	state := explorer.NewExecutionState("run", plan([]string{"a", "missing"}, []string{"c"}), 0)

	outcome, err := s.Run(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, outcome.Steps, 2)
	assert.True(t, outcome.Steps[0].HasErrors)
	assert.False(t, outcome.Steps[1].HasErrors)
	assert.True(t, outcome.HasErrors)
	assert.Equal(t, []string{"a", "c", "missing"}, outcome.ToolsUsed)
	assert.Len(t, outcome.Steps[0].Messages, 1)
}

func TestRun_OutputsFlowToLaterSteps(t *testing.T) {
	first := okTool("first")
	second := okTool("second")
	s := newScheduler(t, 0, first, second)

	p := plan([]string{"first"}, []string{"second"})
	p.Steps[1].Args = map[string]map[string]explorer.ArgumentSource{
		"second": {"from": {Type: explorer.ArgumentSourceToolOutput, ToolName: "first", OutputFieldName: "tool", Required: true}},
	}

	outcome, err := s.Run(context.Background(), explorer.NewExecutionState("run", p, 0))
	require.NoError(t, err)
	assert.False(t, outcome.HasErrors)
	assert.Equal(t, "first", second.LastInput()["from"])
}

func TestRun_ResumeSkipsEarlierSteps(t *testing.T) {
	first := okTool("first")
	second := okTool("second")
	s := newScheduler(t, 0, first, second)

	outcome, err := s.Run(context.Background(), explorer.NewExecutionState("run", plan([]string{"first"}, []string{"second"}), 1))
	require.NoError(t, err)
	assert.Equal(t, 0, first.Calls())
	assert.Equal(t, 1, second.Calls())
	require.Len(t, outcome.Steps, 1)
	assert.Equal(t, 1, outcome.Steps[0].Index)
}

func TestRun_EmptyPlanFinalizesImmediately(t *testing.T) {
	s := newScheduler(t, 0)
	outcome, err := s.Run(context.Background(), explorer.NewExecutionState("run", nil, 0))
	require.NoError(t, err)
	assert.Empty(t, outcome.Steps)
	assert.False(t, outcome.HasErrors)
	assert.Equal(t, 0, outcome.Transitions)
}

func TestRun_CancelledContext(t *testing.T) {
	tool := okTool("a")
	s := newScheduler(t, 0, tool)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := s.Run(ctx, explorer.NewExecutionState("run", plan([]string{"a"}, []string{"a"}), 0))
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.True(t, outcome.HasErrors)
	assert.Equal(t, 0, tool.Calls())
}

type fixedExecutor struct {
	result func(index int, sc executor.StepContext) explorer.StepResult
}

func (f fixedExecutor) Execute(_ context.Context, index int, _ explorer.Step, sc executor.StepContext) explorer.StepResult {
	return f.result(index, sc)
}

func TestRun_MismatchedResultIsFatal(t *testing.T) {
	s := New(fixedExecutor{result: func(index int, _ executor.StepContext) explorer.StepResult {
		return explorer.StepResult{StepIndex: index + 5, ToolsUsed: explorer.NewToolSet()}
	}})

	_, err := s.Run(context.Background(), explorer.NewExecutionState("run", plan([]string{"a"}), 0))
	require.Error(t, err)
	assert.Equal(t, explorer.ErrCodeInvalidPlanState, explorer.CodeOf(err))
}

func TestRun_TransitionCapIsFatal(t *testing.T) {
	s := New(fixedExecutor{result: func(index int, sc executor.StepContext) explorer.StepResult {
		return explorer.StepResult{StepIndex: index, Attempt: sc.Attempt, ShouldRetry: true, ToolsUsed: explorer.NewToolSet()}
	}}, WithMaxTransitions(4))

	state := explorer.NewExecutionState("run", plan([]string{"a"}), 0)
	_, err := s.Run(context.Background(), state)
	require.Error(t, err)
	assert.Equal(t, explorer.ErrCodeInvalidPlanState, explorer.CodeOf(err))
	assert.Equal(t, 4, state.Transitions)
}

func TestAdvance_RetryKeepsCursorAndReplaysSuccesses(t *testing.T) {
	s := New(nil)
	state := explorer.NewExecutionState("run", plan([]string{"a", "b"}), 0)
	_, err := s.Initialize(state)
	require.NoError(t, err)

	okMsg := explorer.ToolMessage{ToolName: "a", CallID: "call-a", Output: map[string]interface{}{"x": 1}}
	failMsg := explorer.ToolMessage{ToolName: "b", CallID: "call-b", Error: "boom"}
	err = s.Advance(state, explorer.StepResult{
		StepIndex:   0,
		Messages:    []explorer.ToolMessage{okMsg, failMsg},
		HasErrors:   false,
		ShouldRetry: true,
		ToolsUsed:   explorer.NewToolSet("a", "b"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, state.CurrentStepIndex)
	assert.Equal(t, 1, state.StepAttempt)
	assert.Equal(t, map[string]explorer.ToolMessage{"a": okMsg}, state.Replay)
	assert.False(t, state.ShouldRetry)
	assert.Empty(t, state.Records)
	assert.Empty(t, state.Outputs, "outputs are published only when the step finishes")
}

func TestAdvance_UninitializedState(t *testing.T) {
	s := New(nil)

	err := s.Advance(nil, explorer.StepResult{})
	assert.Equal(t, explorer.ErrCodeInvalidPlanState, explorer.CodeOf(err))

	state := &explorer.ExecutionState{Plan: plan([]string{"a"})}
	require.NotPanics(t, func() {
		err = s.Advance(state, explorer.StepResult{
			StepIndex: 0,
			Messages:  []explorer.ToolMessage{{ToolName: "a", Output: map[string]interface{}{"n": 1}}},
			ToolsUsed: explorer.NewToolSet("a"),
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentStepIndex)
	assert.True(t, state.ToolsUsed.Has("a"))
	assert.Equal(t, map[string]interface{}{"n": 1}, state.Outputs["a"])
	assert.False(t, state.ContinueExecution)

	retry := &explorer.ExecutionState{Plan: plan([]string{"a"})}
	require.NotPanics(t, func() {
		err = s.Advance(retry, explorer.StepResult{StepIndex: 0, ShouldRetry: true, ToolsUsed: explorer.NewToolSet("a")})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, retry.StepAttempt)
}

type emptyPlanner struct{}

func (emptyPlanner) GeneratePlan(_ context.Context, input explorer.PlannerInput) (*explorer.Plan, error) {
	return explorer.NewPlan(input.Query, "", nil), nil
}

type recordingAggregator struct {
	calls   int
	outcome *explorer.Outcome
}

func (r *recordingAggregator) Aggregate(_ context.Context, _ string, outcome *explorer.Outcome) (string, error) {
	r.calls++
	r.outcome = outcome
	return "nothing to report", nil
}

func TestAgent_EmptyPlanReachesAggregator(t *testing.T) {
	cfg := explorer.DefaultConfig()
	cfg.EnableEventBus = false

	agg := &recordingAggregator{}
	agent, err := explorer.New(
		explorer.WithConfig(cfg),
		explorer.WithPlanner(emptyPlanner{}),
		explorer.WithRunner(newScheduler(t, 1, okTool("a"))),
		explorer.WithAggregator(agg),
	)
	require.NoError(t, err)
	defer agent.Close()

	res, err := agent.Process(context.Background(), "anything interesting?")
	require.NoError(t, err)
	assert.Equal(t, "nothing to report", res.Answer)

	require.Equal(t, 1, agg.calls)
	require.NotNil(t, agg.outcome)
	assert.Empty(t, agg.outcome.Steps)
	assert.Empty(t, agg.outcome.ToolsUsed)
	assert.False(t, agg.outcome.HasErrors)
	assert.Zero(t, agg.outcome.Transitions)
}
