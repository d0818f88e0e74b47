package explorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"
)

// ProcessState represents the current state of a request.
type ProcessState string

const (
	// StateInit is the initial state of the process
	StateInit ProcessState = "init"
	// StatePlanning asks the planner for a plan
	StatePlanning ProcessState = "planning"
	// StateExecution hands the plan to the plan runner
	StateExecution ProcessState = "execution"
	// StateAggregation turns the finalized outcome into an answer
	StateAggregation ProcessState = "aggregation"
	// StateError represents an error state
	StateError ProcessState = "error"
	// StateComplete represents the completed state
	StateComplete ProcessState = "complete"
	// StateCancelled represents the cancelled state
	StateCancelled ProcessState = "cancelled"
)

// ProcessContext carries one request through the state machine.
// The state stack records every state the request has left, in order.
type ProcessContext struct {
	RunID string
	Query string

	// Plan is either produced in StatePlanning or supplied up front by ProcessPlan.
	Plan        *Plan
	ResumeIndex int

	Outcome     *Outcome
	FinalAnswer string

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState ProcessState
	StateStack   []ProcessState

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[ProcessState]time.Time
	StateDurations  map[ProcessState]time.Duration
}

// NewProcessContext creates a process context for query.
func NewProcessContext(runID, query string) *ProcessContext {
	now := time.Now()
	return &ProcessContext{
		RunID:           runID,
		Query:           query,
		CurrentState:    StateInit,
		StateStack:      []ProcessState{},
		StartTime:       now,
		StateStartTimes: map[ProcessState]time.Time{StateInit: now},
		StateDurations:  make(map[ProcessState]time.Duration),
	}
}

// PushState records the current state on the stack and enters state.
func (pc *ProcessContext) PushState(state ProcessState) {
	pc.leave()
	pc.StateStack = append(pc.StateStack, pc.CurrentState)
	pc.CurrentState = state
	pc.StateStartTimes[state] = time.Now()
}

// PopState pops the top state from the stack and sets it as the current state.
// Returns false if the stack is empty.
func (pc *ProcessContext) PopState() bool {
	if len(pc.StateStack) == 0 {
		return false
	}
	pc.leave()
	lastIdx := len(pc.StateStack) - 1
	pc.CurrentState = pc.StateStack[lastIdx]
	pc.StateStack = pc.StateStack[:lastIdx]
	pc.StateStartTimes[pc.CurrentState] = time.Now()
	return true
}

// leave accumulates the time spent in the current state.
func (pc *ProcessContext) leave() {
	if start, ok := pc.StateStartTimes[pc.CurrentState]; ok {
		pc.StateDurations[pc.CurrentState] += time.Since(start)
	}
}

// IsTerminal checks if the current state is a terminal state (Complete, Error, Cancelled).
func (pc *ProcessContext) IsTerminal() bool {
	return pc.CurrentState == StateComplete || pc.CurrentState == StateError || pc.CurrentState == StateCancelled
}

// SetError records err and moves to StateError.
func (pc *ProcessContext) SetError(err error, stage string) {
	pc.LastError = err
	pc.ErrorStage = stage
	pc.finish(StateError)
}

// SetCancelled records the cancellation cause and moves to StateCancelled.
func (pc *ProcessContext) SetCancelled(err error, stage string) {
	pc.LastError = err
	pc.ErrorStage = stage
	pc.finish(StateCancelled)
}

// Complete marks the process as complete and sets the end time.
func (pc *ProcessContext) Complete() {
	pc.finish(StateComplete)
}

func (pc *ProcessContext) finish(state ProcessState) {
	pc.PushState(state)
	pc.EndTime = pc.StateStartTimes[state]
}

// GetStateDuration returns the total time spent in state so far.
func (pc *ProcessContext) GetStateDuration(state ProcessState) time.Duration {
	d := pc.StateDurations[state]
	if state == pc.CurrentState && !pc.IsTerminal() {
		d += time.Since(pc.StateStartTimes[state])
	}
	return d
}

// GetTotalDuration returns the total duration of the process so far.
func (pc *ProcessContext) GetTotalDuration() time.Duration {
	if pc.IsTerminal() && !pc.EndTime.IsZero() {
		return pc.EndTime.Sub(pc.StartTime)
	}
	return time.Since(pc.StartTime)
}

// History returns the visited states in order, ending with the current one.
func (pc *ProcessContext) History() []ProcessState {
	h := make([]ProcessState, 0, len(pc.StateStack)+1)
	h = append(h, pc.StateStack...)
	return append(h, pc.CurrentState)
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error)

// TransitionObserver is notified after every state change.
type TransitionObserver func(pCtx *ProcessContext, from, to ProcessState)

// StateMachine drives a ProcessContext through registered transitions.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
	observers   []TransitionObserver
}

// NewStateMachine creates a new state machine publishing to eventBus, which may be nil.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// OnTransition adds an observer called after each state change.
func (sm *StateMachine) OnTransition(observer TransitionObserver) {
	sm.observers = append(sm.observers, observer)
}

func (sm *StateMachine) notify(pCtx *ProcessContext, from ProcessState) {
	for _, o := range sm.observers {
		o(pCtx, from, pCtx.CurrentState)
	}
}

// Execute runs the state machine until a terminal state is reached.
func (sm *StateMachine) Execute(ctx context.Context, pCtx *ProcessContext) (string, error) {
	for !pCtx.IsTerminal() {
		from := pCtx.CurrentState

		if err := ctx.Err(); err != nil {
			pCtx.SetCancelled(NewCancelledError(string(from), err), string(from))
			sm.notify(pCtx, from)
			break
		}

		transition, exists := sm.transitions[pCtx.CurrentState]
		if !exists {
			pCtx.SetError(NewInternalError(string(from), fmt.Sprintf("no transition defined for state: %s", from), nil), string(from))
			sm.notify(pCtx, from)
			break
		}

		nextState, err := transition(ctx, sm.eventBus, pCtx)
		if err != nil {
			if isCancellation(err) {
				pCtx.SetCancelled(err, string(from))
			} else if !pCtx.IsTerminal() {
				pCtx.SetError(err, string(from))
			}
			sm.notify(pCtx, from)
			continue
		}

		if !pCtx.IsTerminal() {
			if nextState == StateComplete {
				pCtx.Complete()
			} else {
				pCtx.PushState(nextState)
			}
		}
		sm.notify(pCtx, from)
	}

	if pCtx.CurrentState == StateComplete {
		return pCtx.FinalAnswer, nil
	}
	return "", pCtx.LastError
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || CodeOf(err) == ErrCodeCancelled
}
