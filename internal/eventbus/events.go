package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Plan generation events
	EventPlanGenerationStarted EventType = "plan_generation_started"
	EventPlanGenerationSuccess EventType = "plan_generation_success"
	EventPlanGenerationFailure EventType = "plan_generation_failure"

	// Scheduler events
	EventPlanInitialized EventType = "plan_initialized"
	EventPlanEmpty       EventType = "plan_empty"
	EventPlanFinalized   EventType = "plan_finalized"

	// Step events
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepRetry     EventType = "step_retry"
	EventStepFailed    EventType = "step_failed"

	// Tool invocation events
	EventToolInvocationStarted  EventType = "tool_invocation_started"
	EventToolInvocationSuccess  EventType = "tool_invocation_success"
	EventToolInvocationFailure  EventType = "tool_invocation_failure"
	EventToolInvocationSkipped  EventType = "tool_invocation_skipped"
	EventToolNotFound           EventType = "tool_not_found"

	// Aggregation events
	EventAggregationStarted EventType = "aggregation_started"
	EventAggregationSuccess EventType = "aggregation_success"
	EventAggregationFailure EventType = "aggregation_failure"

	// Query processing events
	EventQueryProcessingStarted EventType = "query_processing_started"
	EventQueryProcessingSuccess EventType = "query_processing_success"
	EventQueryProcessingFailure EventType = "query_processing_failure"

	// Async query processing events
	EventQueryAsyncProcessingStarted   EventType = "query_async_processing_started"
	EventQueryAsyncProcessingSuccess   EventType = "query_async_processing_success"
	EventQueryAsyncProcessingFailure   EventType = "query_async_processing_failure"
	EventQueryAsyncProcessingCancelled EventType = "query_async_processing_cancelled"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() interface{}

	// Metadata returns additional information about the event
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types
	// Returns a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// NewEmptyEvent creates an event with no payload, source or metadata.
func NewEmptyEvent(eventType EventType) *BaseEvent {
	return NewEvent(eventType, nil, "", nil)
}

// Type returns the event type
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// Payload returns the event data
func (e *BaseEvent) Payload() interface{} {
	return e.payload
}

// Metadata returns additional information about the event
func (e *BaseEvent) Metadata() map[string]interface{} {
	return e.metadata
}

// Timestamp returns when the event occurred
func (e *BaseEvent) Timestamp() int64 {
	return e.timestamp
}

// Source returns information about what generated the event
func (e *BaseEvent) Source() string {
	return e.sourceInfo
}

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// Emit publishes an event when bus is non-nil. Publish errors are dropped:
// events are diagnostics and must never change control flow.
func Emit(ctx context.Context, bus EventBus, eventType EventType, payload interface{}, source string, metadata map[string]interface{}) {
	if bus == nil {
		return
	}
	_ = bus.Publish(ctx, NewEvent(eventType, payload, source, metadata))
}
