// Package modsup provides Observer pattern interfaces for event-driven
// communication. These interfaces use the CloudEvents specification for
// standardized event format and better interoperability with external
// monitoring systems.
package modsup

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of
// module lifecycle events. Observers register with a Subject to receive
// notifications as modules are installed, started, crashed, or killed.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in. Observers should handle events quickly to avoid
	// blocking other observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed. The
// supervisor (C7) implements Subject to broadcast module lifecycle events
// as a side channel distinct from the module bus's own event/rpc wire
// format — observers here watch the supervisor from outside the module
// graph entirely (e.g. cmd/modkitctl's lifecycle log observer, or an
// external metrics sink), never a child module process itself.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// Observers can optionally filter events by type using the eventTypes
	// parameter. If eventTypes is empty, the observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer from receiving notifications.
	// This method is idempotent and does not error if the observer wasn't
	// registered.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered
	// observers, for debugging and monitoring.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer.
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered.
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for module supervisor lifecycle events. These
// provide a standardized vocabulary for CloudEvents emitted by the
// supervisor, following reverse domain notation.
const (
	// Module lifecycle events
	EventTypeModuleInstalled = "com.modsup.module.installed"
	EventTypeModuleStarted   = "com.modsup.module.started"
	EventTypeModuleCrashed   = "com.modsup.module.crashed"
	EventTypeModuleRestarted = "com.modsup.module.restarted"
	EventTypeModuleKilled    = "com.modsup.module.killed"
	EventTypeModuleDied      = "com.modsup.module.died"

	// Supervisor lifecycle events
	EventTypeSupervisorStarted = "com.modsup.supervisor.started"
	EventTypeSupervisorStopped = "com.modsup.supervisor.stopped"
)

// FunctionalObserver provides a simple way to create observers using
// functions, without defining a full struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that dispatches to handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements Observer by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
