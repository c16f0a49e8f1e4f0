// Package events provides the build-lifecycle event bus used to broadcast
// Build, Step, and Custom Prompt transitions to observers (the Dispatcher's
// own registry, a future UI, or any external subscriber), independent of the
// external store's own persistence (§9).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published as builds progress through the pipeline.
const (
	TypeBuildStatusChanged  = "build.status_changed"
	TypeStepStatusChanged   = "step.status_changed"
	TypeCustomPromptCreated = "custom_prompt.created"
	TypeCustomPromptStatus  = "custom_prompt.status_changed"
	TypePreviewStarted      = "preview.started"
	TypePreviewStopped      = "preview.stopped"
)

// Subjects builds are published under; Subscribe supports the same
// NATS-style "*"/">" wildcards against these on both bus implementations.
const (
	SubjectBuilds   = "builds"
	SubjectSteps    = "steps"
	SubjectPreviews = "previews"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// New creates an Event with a fresh ID and the current timestamp.
func New(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one Event delivered to a subscription.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active registration returned by Subscribe/QueueSubscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event transport the Build Runner, Dispatcher, and Preview
// Manager publish lifecycle transitions onto. It is swapped from an
// in-memory default to a NATS-backed implementation by configuration (§9),
// mirroring how the Build Runner itself does not care whether the store
// behind it is local SQLite or the external REST API.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
