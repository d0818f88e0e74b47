package explorer

import "github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/eventbus"

// WithEventBus sets the bus lifecycle events are published on. The agent does
// not close a bus it did not create.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(a *Agent) {
		a.eventBus = bus
	}
}
