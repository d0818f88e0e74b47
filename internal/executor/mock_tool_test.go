package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/registry"
)

// mockTool is a configurable explorer.Tool that counts its invocations.
type mockTool struct {
	name         string
	execFunc     func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
	validateFunc func(input map[string]interface{}) error

	mu     sync.Mutex
	calls  int
	inputs []map[string]interface{}
}

func (m *mockTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	m.mu.Lock()
	m.calls++
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(ctx, input)
	}
	return map[string]interface{}{"tool": m.name}, nil
}

func (m *mockTool) Schema() map[string]interface{} {
	return map[string]interface{}{"description": "mock " + m.name}
}

func (m *mockTool) Validate(input map[string]interface{}) error {
	if m.validateFunc != nil {
		return m.validateFunc(input)
	}
	return nil
}

func (m *mockTool) Name() string { return m.name }

func (m *mockTool) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTool) LastInput() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[len(m.inputs)-1]
}

func okTool(name string) *mockTool {
	return &mockTool{name: name}
}

// failingTool fails with a transient error on every call.
func failingTool(name string) *mockTool {
	return &mockTool{name: name, execFunc: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("upstream unavailable")
	}}
}

// failOnceTool fails transiently on its first call and succeeds afterwards.
func failOnceTool(name string) *mockTool {
	t := &mockTool{name: name}
	t.execFunc = func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		if t.calls == 1 {
			return nil, errors.New("temporary glitch")
		}
		return map[string]interface{}{"tool": name}, nil
	}
	return t
}

func newRegistry(t *testing.T, tools ...explorer.Tool) *registry.Registry {
	t.Helper()
	r, err := registry.New(nil, tools...)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	return r
}

func messageNames(msgs []explorer.ToolMessage) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.ToolName
	}
	return names
}
