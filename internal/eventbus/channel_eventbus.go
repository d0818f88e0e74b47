// Package eventbus provides event bus implementations
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus is an implementation of EventBus using Go channels
type ChannelEventBus struct {
	// subscribers maps event types to a map of subscription IDs to event handlers
	subscribers map[EventType]map[string]EventHandler

	// allSubscribers contains handlers that receive all events regardless of type
	allSubscribers map[string]EventHandler

	eventChan chan eventWithContext
	done      chan struct{}
	closed    bool
	wg        sync.WaitGroup

	// mutex protects the subscriber maps and closed
	mutex sync.RWMutex

	logger *slog.Logger

	// Configuration
	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

// eventWithContext bundles an event with its context for processing
type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures the retry behavior for event handlers
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// WithLogger sets the logger used to report handler failures.
func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		done:           make(chan struct{}),
		logger:         slog.Default(),

		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
	}

	for _, option := range options {
		option(eb)
	}
	if eb.workerCount < 1 {
		eb.workerCount = 1
	}

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)
	eb.startWorkers()

	return eb
}

// startWorkers initializes the goroutines that process events
func (eb *ChannelEventBus) startWorkers() {
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
}

// worker processes events from the event channel until Close.
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.done:
			return
		case evt := <-eb.eventChan:
			eb.processEvent(evt)
		}
	}
}

// processEvent handles the event dispatch to all relevant subscribers
func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	if evt.ctx.Err() != nil {
		return
	}

	// Copy handlers so none run under the lock; handlers may subscribe or unsubscribe.
	eb.mutex.RLock()
	handlers := make([]EventHandler, 0, len(eb.allSubscribers)+1)
	for _, handler := range eb.subscribers[evt.event.Type()] {
		handlers = append(handlers, handler)
	}
	for _, handler := range eb.allSubscribers {
		handlers = append(handlers, handler)
	}
	eb.mutex.RUnlock()

	for _, handler := range handlers {
		eb.executeHandler(evt.ctx, evt.event, handler)
	}
}

// executeHandler runs a handler with retry logic
func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error

	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err = handler(ctx, event)
		if err == nil {
			return
		}

		if attempt == eb.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-eb.done:
			return
		case <-time.After(eb.retryInterval):
		}
	}

	eb.logger.Warn("Event handler failed",
		"event_type", event.Type(),
		"retries", eb.maxRetries,
		"error", err)
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return eb.closed
}

// Publish queues an event for all subscribed handlers. It blocks while the
// buffer is full, until ctx is done or the bus is closed.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if eb.isClosed() {
		return fmt.Errorf("event bus is closed")
	}
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return fmt.Errorf("event bus is closed")
	case eb.eventChan <- eventWithContext{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	}
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}

	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	eb.allSubscribers[subscriptionID] = handler
	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	delete(eb.allSubscribers, subscriptionID)
	for eventType, subscribers := range eb.subscribers {
		delete(subscribers, subscriptionID)
		if len(subscribers) == 0 {
			delete(eb.subscribers, eventType)
		}
	}

	return nil
}

// Close shuts down the event bus. Events still buffered are dropped.
func (eb *ChannelEventBus) Close() error {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return nil
	}
	eb.closed = true
	eb.mutex.Unlock()

	close(eb.done)
	eb.wg.Wait()

	return nil
}
