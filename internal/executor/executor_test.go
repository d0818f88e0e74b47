package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/google/go-cmp/cmp"
)

func step(tools ...string) explorer.Step {
	return explorer.Step{Tools: tools, Query: "how many orders?", PlanText: "count orders"}
}

func TestExecute_MissingToolDoesNotStopGroup(t *testing.T) {
	a := okTool("A")
	exec := NewExecutor(newRegistry(t, a), WithRetryDelay(0))

	res := exec.Execute(context.Background(), 0, step("A", "B"), StepContext{})

	if !res.HasErrors {
		t.Error("expected HasErrors for an unresolvable tool")
	}
	if res.ShouldRetry {
		t.Error("a missing tool must not request a retry")
	}
	if diff := cmp.Diff([]string{"A"}, messageNames(res.Messages)); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A", "B"}, res.ToolsUsed.Sorted()); diff != "" {
		t.Errorf("tools used mismatch (-want +got):\n%s", diff)
	}
	if len(res.Failures) != 1 || res.Failures[0].Kind != explorer.FailureNotFound {
		t.Errorf("expected one not-found failure, got %+v", res.Failures)
	}
}

func TestExecute_MissingToolBeforeWorkingTool(t *testing.T) {
	b := okTool("B")
	exec := NewExecutor(newRegistry(t, b), WithRetryDelay(0))

	res := exec.Execute(context.Background(), 0, step("missing", "B"), StepContext{})

	if b.Calls() != 1 {
		t.Errorf("expected B to run after the missing tool, got %d calls", b.Calls())
	}
	if !res.HasErrors || len(res.Messages) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_PreservesInvocationOrder(t *testing.T) {
	var order []string
	record := func(name string) *mockTool {
		return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			order = append(order, name)
			return map[string]interface{}{"n": name}, nil
		}}
	}
	// Registration order differs from group order.
	exec := NewExecutor(newRegistry(t, record("E"), record("C"), record("D")))

	res := exec.Execute(context.Background(), 0, step("C", "D", "E"), StepContext{})

	want := []string{"C", "D", "E"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("invocation order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, messageNames(res.Messages)); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
	if res.HasErrors || res.ShouldRetry {
		t.Errorf("expected clean result, got %+v", res)
	}
	for i, m := range res.Messages {
		if m.CallID == "" || m.StepIndex != 0 || !m.Succeeded() {
			t.Errorf("message %d not filled: %+v", i, m)
		}
	}
}

func TestExecute_RetryBudgetExhaustion(t *testing.T) {
	for _, budget := range []int{0, 1, 3} {
		tool := failingTool("flaky")
		exec := NewExecutor(newRegistry(t, tool), WithMaxStepRetries(budget), WithRetryDelay(0))

		var res explorer.StepResult
		attempt := 0
		for {
			res = exec.Execute(context.Background(), 0, step("flaky"), StepContext{Attempt: attempt})
			if !res.ShouldRetry {
				break
			}
			attempt++
			if attempt > 10 {
				t.Fatalf("budget %d: retry never stopped", budget)
			}
		}

		if attempt != budget {
			t.Errorf("budget %d: expected %d retries, got %d", budget, budget, attempt)
		}
		if tool.Calls() != budget+1 {
			t.Errorf("budget %d: expected %d invocations, got %d", budget, budget+1, tool.Calls())
		}
		if !res.HasErrors || res.ShouldRetry {
			t.Errorf("budget %d: expected permanent failure, got %+v", budget, res)
		}
		if res.Failures[0].Kind != explorer.FailurePermanent {
			t.Errorf("budget %d: expected transient failure converted to permanent, got %s", budget, res.Failures[0].Kind)
		}
	}
}

func TestExecute_TransientFailureRequestsRetry(t *testing.T) {
	exec := NewExecutor(newRegistry(t, failingTool("flaky")), WithMaxStepRetries(1))

	res := exec.Execute(context.Background(), 2, step("flaky"), StepContext{})

	if !res.ShouldRetry {
		t.Fatal("expected a retry request while budget remains")
	}
	if res.HasErrors {
		t.Error("a step that will be retried carries no permanent error")
	}
	if len(res.Messages) != 1 || res.Messages[0].Succeeded() {
		t.Errorf("expected one error message, got %+v", res.Messages)
	}
}

func TestExecute_ReplayDoesNotReinvokeSucceededTool(t *testing.T) {
	ok := okTool("ok")
	flaky := failOnceTool("flaky")
	exec := NewExecutor(newRegistry(t, ok, flaky), WithMaxStepRetries(1), WithRetryDelay(0))

	first := exec.Execute(context.Background(), 0, step("ok", "flaky"), StepContext{})
	if !first.ShouldRetry {
		t.Fatalf("expected retry after transient failure, got %+v", first)
	}

	replay := map[string]explorer.ToolMessage{}
	for _, m := range first.Messages {
		if m.Succeeded() {
			replay[m.ToolName] = m
		}
	}
	second := exec.Execute(context.Background(), 0, step("ok", "flaky"), StepContext{Attempt: 1, Replay: replay})

	if ok.Calls() != 1 {
		t.Errorf("succeeded tool re-invoked on retry: %d calls", ok.Calls())
	}
	if flaky.Calls() != 2 {
		t.Errorf("expected flaky tool to run twice, got %d", flaky.Calls())
	}
	if second.HasErrors || second.ShouldRetry {
		t.Errorf("expected clean second attempt, got %+v", second)
	}
	if diff := cmp.Diff([]string{"ok", "flaky"}, messageNames(second.Messages)); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
	if second.Messages[0].CallID != first.Messages[0].CallID {
		t.Error("replayed message should keep its original call ID")
	}

	used := first.ToolsUsed.Clone()
	used.Merge(second.ToolsUsed)
	if used.Len() != 2 {
		t.Errorf("expected 2 distinct tools used across attempts, got %d", used.Len())
	}
}

func TestExecute_RepeatedToolInGroupRunsOnce(t *testing.T) {
	a := okTool("A")
	exec := NewExecutor(newRegistry(t, a))

	res := exec.Execute(context.Background(), 0, step("A", "A"), StepContext{})

	if a.Calls() != 1 || len(res.Messages) != 1 || res.ToolsUsed.Len() != 1 {
		t.Errorf("expected a single invocation, got calls=%d messages=%d used=%d", a.Calls(), len(res.Messages), res.ToolsUsed.Len())
	}
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	slow := &mockTool{name: "slow", execFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	exec := NewExecutor(newRegistry(t, slow), WithToolTimeout(20*time.Millisecond), WithMaxStepRetries(1))

	res := exec.Execute(context.Background(), 0, step("slow"), StepContext{})

	if !res.ShouldRetry {
		t.Fatalf("expected timeout to be retried, got %+v", res)
	}
	if res.Failures[0].Kind != explorer.FailureTransient || explorer.CodeOf(res.Failures[0].Err) != explorer.ErrCodeTimeout {
		t.Errorf("expected transient timeout failure, got %+v", res.Failures[0])
	}
	if res.Cancelled {
		t.Error("a per-tool timeout is not a request cancellation")
	}
}

func TestExecute_PermanentErrorIsNotRetried(t *testing.T) {
	bad := &mockTool{name: "bad", execFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		return nil, explorer.MarkPermanent(errors.New("syntax error in SQL"))
	}}
	exec := NewExecutor(newRegistry(t, bad), WithMaxStepRetries(3))

	res := exec.Execute(context.Background(), 0, step("bad"), StepContext{})

	if res.ShouldRetry || !res.HasErrors {
		t.Errorf("expected permanent failure, got %+v", res)
	}
}

func TestExecute_ValidationFailureIsPermanent(t *testing.T) {
	strict := &mockTool{name: "strict", validateFunc: func(input map[string]interface{}) error {
		return errors.New("missing sql")
	}}
	exec := NewExecutor(newRegistry(t, strict), WithMaxStepRetries(3))

	res := exec.Execute(context.Background(), 0, step("strict"), StepContext{})

	if strict.Calls() != 0 {
		t.Error("tool must not run when validation fails")
	}
	if res.ShouldRetry || !res.HasErrors {
		t.Errorf("expected permanent failure, got %+v", res)
	}
	if explorer.CodeOf(res.Failures[0].Err) != explorer.ErrCodeValidation {
		t.Errorf("expected validation error, got %v", res.Failures[0].Err)
	}
}

func TestExecute_CancellationStopsGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &mockTool{name: "first", execFunc: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		cancel()
		return map[string]interface{}{"done": true}, nil
	}}
	second := okTool("second")
	exec := NewExecutor(newRegistry(t, first, second))

	res := exec.Execute(ctx, 0, step("first", "second"), StepContext{})

	if second.Calls() != 0 {
		t.Error("no tool may start after cancellation is observed")
	}
	if !res.Cancelled || res.ShouldRetry {
		t.Errorf("expected cancelled result without retry, got %+v", res)
	}
	if len(res.Messages) != 1 || !res.Messages[0].Succeeded() {
		t.Errorf("the in-flight call should still be recorded, got %+v", res.Messages)
	}
}

func TestExecute_ArgumentsFromContextAndOutputs(t *testing.T) {
	q := okTool("query_tool")
	exec := NewExecutor(newRegistry(t, q))

	s := step("query_tool")
	s.Description = "sum the totals"
	s.Args = map[string]map[string]explorer.ArgumentSource{
		"query_tool": {
			"limit":  {Type: explorer.ArgumentSourceLiteral, Value: 10},
			"tables": {Type: explorer.ArgumentSourceToolOutput, ToolName: "list", OutputFieldName: "tables", Required: true},
			"double": {Type: explorer.ArgumentSourceExpression, Expression: "$list.count * 2", Required: true},
			"opt":    {Type: explorer.ArgumentSourceToolOutput, ToolName: "nope", DefaultValue: "fallback"},
		},
	}
	outputs := map[string]map[string]interface{}{
		"list": {"tables": []interface{}{"orders", "users"}, "count": 2},
	}

	res := exec.Execute(context.Background(), 1, s, StepContext{Outputs: outputs})
	if res.HasErrors {
		t.Fatalf("unexpected failure: %+v", res.Failures)
	}

	want := map[string]interface{}{
		ArgQuery:       "how many orders?",
		ArgPlan:        "count orders",
		ArgDescription: "sum the totals",
		"limit":        10,
		"tables":       []interface{}{"orders", "users"},
		"double":       4.0,
		"opt":          "fallback",
	}
	if diff := cmp.Diff(want, q.LastInput()); diff != "" {
		t.Errorf("resolved arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_RequiredArgumentMissingIsPermanent(t *testing.T) {
	q := okTool("q")
	exec := NewExecutor(newRegistry(t, q), WithMaxStepRetries(2))

	s := step("q")
	s.Args = map[string]map[string]explorer.ArgumentSource{
		"q": {"x": {Type: explorer.ArgumentSourceToolOutput, ToolName: "never_ran", Required: true}},
	}
	res := exec.Execute(context.Background(), 0, s, StepContext{})

	if q.Calls() != 0 || res.ShouldRetry || !res.HasErrors {
		t.Errorf("expected permanent argument failure, got calls=%d %+v", q.Calls(), res)
	}
	if explorer.CodeOf(res.Failures[0].Err) != explorer.ErrCodeArgResolution {
		t.Errorf("expected argument resolution error, got %v", res.Failures[0].Err)
	}
}

func TestExecute_NilResultIsPermanent(t *testing.T) {
	empty := &mockTool{name: "empty", execFunc: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}}
	exec := NewExecutor(newRegistry(t, empty))

	res := exec.Execute(context.Background(), 0, step("empty"), StepContext{})
	if !res.HasErrors || res.ShouldRetry {
		t.Errorf("expected permanent failure for nil result, got %+v", res)
	}
}

func TestExecute_NilResolver(t *testing.T) {
	exec := NewExecutor(nil)

	res := exec.Execute(context.Background(), 0, step("A"), StepContext{})
	if !res.HasErrors || !res.ToolsUsed.Has("A") || len(res.Messages) != 0 {
		t.Errorf("expected not-found result, got %+v", res)
	}
}

func TestExecutor_Metrics(t *testing.T) {
	exec := NewExecutor(newRegistry(t, okTool("A"), failingTool("F")), WithMaxStepRetries(1), WithRetryDelay(0))

	exec.Execute(context.Background(), 0, step("A", "F", "missing"), StepContext{})

	m := exec.GetMetrics()
	if m.StepsExecuted != 1 || m.ToolInvocations != 2 || m.ToolSuccesses != 1 ||
		m.TransientFailures != 1 || m.ToolsNotFound != 1 || m.RetriesRequested != 1 {
		t.Errorf("unexpected metrics %+v", &m)
	}
}

func TestNewExecutor_WithConfig(t *testing.T) {
	cfg := explorer.DefaultConfig()
	cfg.MaxStepRetries = 5
	cfg.ToolTimeout = 0
	exec := NewExecutor(nil, WithConfig(cfg))

	if exec.MaxStepRetries() != 5 {
		t.Errorf("expected budget 5, got %d", exec.MaxStepRetries())
	}
	if exec.toolTimeout != explorer.DefaultConfig().ToolTimeout {
		t.Errorf("non-positive timeout should fall back to the default, got %v", exec.toolTimeout)
	}
}
