package explorer

import (
	"sort"
	"time"
)

// ArgumentSourceType defines the type of source for a tool argument.
type ArgumentSourceType string

const (
	// ArgumentSourceLiteral indicates the argument value is a literal value (string, number, boolean, etc.).
	ArgumentSourceLiteral ArgumentSourceType = "literal"

	// ArgumentSourceQuery indicates the argument is the step's query text.
	ArgumentSourceQuery ArgumentSourceType = "query"

	// ArgumentSourcePlan indicates the argument is the overall plan text.
	ArgumentSourcePlan ArgumentSourceType = "plan"

	// ArgumentSourceDescription indicates the argument is the step's own description.
	ArgumentSourceDescription ArgumentSourceType = "description"

	// ArgumentSourceToolOutput indicates the argument value comes from the output of a tool
	// that ran in an earlier step.
	ArgumentSourceToolOutput ArgumentSourceType = "toolOutput"

	// ArgumentSourceExpression indicates the argument value is computed from an expression.
	ArgumentSourceExpression ArgumentSourceType = "expression"
)

// ArgumentSource defines where a tool argument's value comes from.
type ArgumentSource struct {
	Type            ArgumentSourceType `json:"type" yaml:"type"`
	Value           interface{}        `json:"value,omitempty" yaml:"value,omitempty"`           // Used for literal values
	ToolName        string             `json:"toolName,omitempty" yaml:"tool,omitempty"`         // Tool whose earlier output is referenced
	OutputFieldName string             `json:"outputFieldName,omitempty" yaml:"field,omitempty"` // Key in that tool's output map
	Expression      string             `json:"expression,omitempty" yaml:"expression,omitempty"` // Expression to evaluate (for expression type)
	Required        bool               `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue    interface{}        `json:"defaultValue,omitempty" yaml:"default,omitempty"` // Used if resolution fails and not required
	Description     string             `json:"description,omitempty" yaml:"description,omitempty"`
}

// Step is one unit of work in a plan: an ordered tool group plus the textual
// context the tools are grounded on. Steps never reference each other; the
// scheduler moves through them by position.
type Step struct {
	Tools       []string `json:"tools" yaml:"tools"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Query       string   `json:"query,omitempty" yaml:"query,omitempty"`
	PlanText    string   `json:"plan_text,omitempty" yaml:"plan_text,omitempty"`

	// Args maps a tool identifier to the sources of its arguments. Tools without
	// an entry receive the default context arguments only.
	Args map[string]map[string]ArgumentSource `json:"args,omitempty" yaml:"args,omitempty"`
}

// Plan is the ordered sequence of steps produced by the planner. It is treated
// as immutable once handed to the scheduler.
type Plan struct {
	Query string `json:"query" yaml:"query"`
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// NewPlan creates a plan and copies the query and plan text into every step
// that does not carry its own.
func NewPlan(query, text string, steps []Step) *Plan {
	copied := make([]Step, len(steps))
	for i, s := range steps {
		s.Tools = append([]string(nil), s.Tools...)
		if s.Query == "" {
			s.Query = query
		}
		if s.PlanText == "" {
			s.PlanText = text
		}
		copied[i] = s
	}
	return &Plan{Query: query, Text: text, Steps: copied}
}

// Len returns the number of steps. A nil plan has zero steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// IsEmpty reports whether there is nothing to execute.
func (p *Plan) IsEmpty() bool {
	return p.Len() == 0
}

// GetStepCount is used by the state machine for event metadata.
func (p *Plan) GetStepCount() int {
	return p.Len()
}

// Step returns the step at index i.
func (p *Plan) Step(i int) (Step, bool) {
	if i < 0 || i >= p.Len() {
		return Step{}, false
	}
	return p.Steps[i], true
}

// ToolSet is a set of tool identifiers.
type ToolSet map[string]struct{}

// NewToolSet creates a set holding the given identifiers.
func NewToolSet(names ...string) ToolSet {
	s := make(ToolSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Add records a tool identifier. Adding an identifier twice is a no-op.
func (s ToolSet) Add(name string) {
	s[name] = struct{}{}
}

// Has reports whether the identifier is in the set.
func (s ToolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of distinct identifiers.
func (s ToolSet) Len() int {
	return len(s)
}

// Merge adds every identifier of other into s.
func (s ToolSet) Merge(other ToolSet) {
	for n := range other {
		s[n] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s ToolSet) Clone() ToolSet {
	c := make(ToolSet, len(s))
	c.Merge(s)
	return c
}

// Sorted returns the identifiers in lexical order.
func (s ToolSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ToolMessage is one accumulated tool-result message.
type ToolMessage struct {
	ToolName  string                 `json:"tool_name"`
	CallID    string                 `json:"call_id"`
	StepIndex int                    `json:"step_index"`
	Attempt   int                    `json:"attempt"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// Succeeded reports whether the invocation produced an output.
func (m ToolMessage) Succeeded() bool {
	return m.Error == ""
}

// FailureKind classifies a per-tool failure inside a step.
type FailureKind string

const (
	// FailureNotFound means the tool identifier has no registry entry.
	FailureNotFound FailureKind = "not_found"
	// FailureTransient means the tool ran and failed in a recoverable way.
	FailureTransient FailureKind = "transient"
	// FailurePermanent means the tool failed in a way a retry will not fix.
	FailurePermanent FailureKind = "permanent"
	// FailureCancelled means the request was cancelled before or during the invocation.
	FailureCancelled FailureKind = "cancelled"
)

// ToolFailure records why one tool of a step failed.
type ToolFailure struct {
	ToolName string      `json:"tool_name"`
	Kind     FailureKind `json:"kind"`
	Err      error       `json:"-"`
}

// StepResult is what the step executor hands back for one attempt of a step.
type StepResult struct {
	StepIndex   int
	Attempt     int
	Messages    []ToolMessage
	Failures    []ToolFailure
	HasErrors   bool
	ShouldRetry bool
	Cancelled   bool
	ToolsUsed   ToolSet
}

// StepRecord is the immutable record of a finished step, as seen by the aggregator.
type StepRecord struct {
	Index       int           `json:"index"`
	Description string        `json:"description,omitempty"`
	Tools       []string      `json:"tools"`
	Messages    []ToolMessage `json:"messages"`
	Failures    []ToolFailure `json:"failures,omitempty"`
	HasErrors   bool          `json:"has_errors"`
	Attempts    int           `json:"attempts"`
}

// StepExecutionState is the executor's private working state for one attempt of one step.
type StepExecutionState struct {
	Query          string
	PlanText       string
	StepIndex      int
	Attempt        int
	ToolGroup      []string
	InFlightCallID string
	Messages       []ToolMessage
	Invoked        ToolSet
}

// NewStepExecutionState creates the sub-state for one attempt of a step.
func NewStepExecutionState(index, attempt int, step Step) *StepExecutionState {
	return &StepExecutionState{
		Query:     step.Query,
		PlanText:  step.PlanText,
		StepIndex: index,
		Attempt:   attempt,
		ToolGroup: step.Tools,
		Messages:  make([]ToolMessage, 0, len(step.Tools)),
		Invoked:   NewToolSet(),
	}
}

// Begin marks a tool call as in flight. Only one call may be in flight at a time.
func (s *StepExecutionState) Begin(toolName, callID string) {
	s.InFlightCallID = callID
	s.Invoked.Add(toolName)
}

// Finish appends the message of the in-flight call and clears it.
func (s *StepExecutionState) Finish(msg ToolMessage) {
	s.Messages = append(s.Messages, msg)
	s.InFlightCallID = ""
}

// ExecutionState is the scheduler's working state for one request.
type ExecutionState struct {
	RunID             string
	Plan              *Plan
	CurrentStepIndex  int
	ContinueExecution bool

	// HasErrors and ShouldRetry hold the flags of the most recent step result.
	// The scheduler reads them and resets them before the next step.
	HasErrors   bool
	ShouldRetry bool

	// StepAttempt counts replays of the current step.
	StepAttempt int

	// AnyStepErrors is the logical OR of HasErrors over every finished step.
	AnyStepErrors bool
	Cancelled     bool

	ToolsUsed ToolSet
	Records   []StepRecord

	// Outputs holds the latest successful output of each tool, for argument resolution.
	Outputs map[string]map[string]interface{}

	// Replay holds messages of tools that already succeeded in an earlier attempt
	// of the current step.
	Replay map[string]ToolMessage

	Transitions int
}

// NewExecutionState creates the state for running plan from resumeIndex.
func NewExecutionState(runID string, plan *Plan, resumeIndex int) *ExecutionState {
	return &ExecutionState{
		RunID:            runID,
		Plan:             plan,
		CurrentStepIndex: resumeIndex,
		ToolsUsed:        NewToolSet(),
		Records:          make([]StepRecord, 0, plan.Len()),
		Outputs:          make(map[string]map[string]interface{}),
		Replay:           make(map[string]ToolMessage),
	}
}

// Outcome is the finalized result of a plan run, handed to the aggregator.
type Outcome struct {
	RunID       string       `json:"run_id"`
	Query       string       `json:"query"`
	Steps       []StepRecord `json:"steps"`
	ToolsUsed   []string     `json:"tools_used"`
	HasErrors   bool         `json:"has_errors"`
	Cancelled   bool         `json:"cancelled"`
	Transitions int          `json:"transitions"`
}

// Messages returns the per-step accumulated messages in step order.
func (o *Outcome) Messages() [][]ToolMessage {
	all := make([][]ToolMessage, len(o.Steps))
	for i, s := range o.Steps {
		all[i] = s.Messages
	}
	return all
}

// PlannerInput contains the information needed by the Planner to generate a plan.
type PlannerInput struct {
	Query        string                            `json:"query"`
	ToolSchema   map[string]map[string]interface{} `json:"tool_schema"`
	CurrentState *Plan                             `json:"current_state,omitempty"` // For replanning
	Reason       string                            `json:"reason,omitempty"`        // For replanning
}
