// Package modsup provides CloudEvents integration for the Observer
// pattern, used by the supervisor to broadcast module lifecycle
// notifications in a standardized, externally-consumable format.
package modsup

import (
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a CloudEvent for a module lifecycle notification.
// source is typically the supervisor instance's identity (e.g. "modsup").
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a unique identifier for CloudEvents using
// UUIDv7, which carries timestamp information for time-ordered uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the
// CloudEvents format using the SDK's own Validate, wrapping its error.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// HandleEventEmissionError standardizes how the supervisor handles the
// "no subject available" error during lifecycle notification, so a
// session with no registered observers doesn't produce noisy log output.
//
// It returns true if the error was handled, false if the caller should
// still act on it.
func HandleEventEmissionError(err error, logger Logger, moduleName, eventType string) bool {
	if errors.Is(err, ErrNoSubjectForEventEmission) {
		return true
	}

	if logger != nil {
		logger.Debug("failed to emit lifecycle event", "module", moduleName, "eventType", eventType, "error", err)
		return true
	}

	return false
}
