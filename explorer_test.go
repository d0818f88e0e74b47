package explorer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableEventBus = false
	cfg.MaxConcurrentRequests = 2
	return cfg
}

func TestNew_RequiresRunnerAndAggregator(t *testing.T) {
	if _, err := New(WithConfig(testConfig()), WithAggregator(&dummyAggregator{})); CodeOf(err) != ErrCodeConfiguration {
		t.Errorf("expected configuration error without runner, got %v", err)
	}
	if _, err := New(WithConfig(testConfig()), WithRunner(&dummyRunner{})); CodeOf(err) != ErrCodeConfiguration {
		t.Errorf("expected configuration error without aggregator, got %v", err)
	}

	bad := testConfig()
	bad.MaxStepRetries = -1
	if _, err := New(WithConfig(bad), WithRunner(&dummyRunner{}), WithAggregator(&dummyAggregator{})); CodeOf(err) != ErrCodeConfiguration {
		t.Errorf("expected configuration error for invalid config, got %v", err)
	}
}

func TestNew_DefaultEventBus(t *testing.T) {
	a, err := New(WithRunner(&dummyRunner{}), WithAggregator(&dummyAggregator{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()
	if a.EventBus() == nil {
		t.Error("expected a default event bus when events are enabled")
	}
}

func TestAgent_Process(t *testing.T) {
	a, err := New(
		WithConfig(testConfig()),
		WithPlanner(&dummyPlanner{}),
		WithRunner(&dummyRunner{}),
		WithAggregator(&dummyAggregator{}),
		WithTools(dummyCatalog{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := a.Process(context.Background(), "how many rows?")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Answer != "answer" || res.RunID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Outcome == nil || len(res.Outcome.ToolsUsed) != 1 {
		t.Errorf("expected outcome with one tool used, got %+v", res.Outcome)
	}
	if got := a.ListTools(); len(got) != 1 || got[0] != "noop" {
		t.Errorf("unexpected tool list %v", got)
	}
}

func TestAgent_ProcessPlan_Resume(t *testing.T) {
	runner := &dummyRunner{}
	a, err := New(WithConfig(testConfig()), WithRunner(runner), WithAggregator(&dummyAggregator{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	plan := NewPlan("q", "text", []Step{{Tools: []string{"a"}}, {Tools: []string{"b"}}, {Tools: []string{"c"}}})
	res, err := a.ProcessPlan(context.Background(), "q", plan, 2)
	if err != nil {
		t.Fatalf("ProcessPlan failed: %v", err)
	}
	if len(res.Outcome.Steps) != 1 || res.Outcome.Steps[0].Index != 2 {
		t.Errorf("expected only step 2 to run, got %+v", res.Outcome.Steps)
	}
}

type echoAggregator struct{}

func (echoAggregator) Aggregate(ctx context.Context, query string, outcome *Outcome) (string, error) {
	return "answer to " + query, nil
}

func TestAgent_ProcessBatch_KeepsOrder(t *testing.T) {
	a, err := New(
		WithConfig(testConfig()),
		WithPlanner(&dummyPlanner{}),
		WithRunner(&dummyRunner{}),
		WithAggregator(echoAggregator{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	queries := make([]string, 7)
	for i := range queries {
		queries[i] = fmt.Sprintf("q%d", i)
	}
	results := a.ProcessBatch(context.Background(), queries)
	if len(results) != len(queries) {
		t.Fatalf("expected %d results, got %d", len(queries), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("query %d failed: %v", i, r.Err)
			continue
		}
		if r.Query != queries[i] || !strings.HasSuffix(r.Result.Answer, queries[i]) {
			t.Errorf("result %d out of order: %+v", i, r)
		}
	}
}

// blockingRunner waits for cancellation, then reports a cancelled outcome.
type blockingRunner struct {
	started atomic.Bool
}

func (b *blockingRunner) Run(ctx context.Context, state *ExecutionState) (*Outcome, error) {
	b.started.Store(true)
	<-ctx.Done()
	return &Outcome{RunID: state.RunID, Cancelled: true}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgent_ProcessAsync_Complete(t *testing.T) {
	a, err := New(WithConfig(testConfig()), WithPlanner(&dummyPlanner{}), WithRunner(&dummyRunner{}), WithAggregator(&dummyAggregator{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	id, err := a.ProcessAsync(context.Background(), "q")
	if err != nil {
		t.Fatalf("ProcessAsync failed: %v", err)
	}
	waitFor(t, func() bool {
		st, err := a.GetAsyncStatus(id)
		return err == nil && st.IsComplete
	})

	res, err := a.GetAsyncResult(id)
	if err != nil || res.Answer != "answer" {
		t.Fatalf("unexpected async result %+v, %v", res, err)
	}
	if n := a.CleanupCompletedExecutions(time.Hour); n != 0 {
		t.Errorf("expected recent execution to be kept, removed %d", n)
	}
	time.Sleep(2 * time.Millisecond)
	if n := a.CleanupCompletedExecutions(time.Millisecond); n != 1 {
		t.Errorf("expected one execution cleaned up, got %d", n)
	}
	if _, err := a.GetAsyncStatus(id); err == nil {
		t.Error("expected status lookup to fail after cleanup")
	}
}

func TestAgent_ProcessAsync_Cancel(t *testing.T) {
	runner := &blockingRunner{}
	a, err := New(WithConfig(testConfig()), WithPlanner(&dummyPlanner{}), WithRunner(runner), WithAggregator(&dummyAggregator{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	id, err := a.ProcessAsync(context.Background(), "q")
	if err != nil {
		t.Fatalf("ProcessAsync failed: %v", err)
	}
	waitFor(t, runner.started.Load)

	if st := a.ListAsyncExecutions()[id]; st != string(StateExecution) {
		t.Errorf("expected execution state while running, got %q", st)
	}

	ok, err := a.CancelAsyncProcess(id)
	if err != nil || !ok {
		t.Fatalf("CancelAsyncProcess = %v, %v", ok, err)
	}
	if _, err := a.GetAsyncResult(id); CodeOf(err) != ErrCodeCancelled {
		t.Errorf("expected cancelled error, got %v", err)
	}
	again, err := a.CancelAsyncProcess(id)
	if err != nil || again {
		t.Errorf("second cancel should be a no-op, got %v, %v", again, err)
	}
	if _, err := a.CancelAsyncProcess("missing"); err == nil {
		t.Error("expected error for unknown execution ID")
	}
}
