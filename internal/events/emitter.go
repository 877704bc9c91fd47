package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Publisher emits audit events. Delivery failures are returned so callers
// can log them; they never affect the controllers' outcome.
type Publisher interface {
	Publish(ctx context.Context, eventType, subject string, data any) error
}

// Emitter publishes CloudEvents through any cloudevents.Client.
type Emitter struct {
	client cloudevents.Client
	source string // e.g., "io.libops.budget-watch"
}

// NewEmitter creates an emitter that sends through client.
func NewEmitter(client cloudevents.Client, source string) *Emitter {
	return &Emitter{
		client: client,
		source: source,
	}
}

// Publish sends data as a JSON CloudEvent.
//
// The event will have:
//   - ID: auto-generated UUID
//   - Source: the emitter's configured source
//   - Time: current timestamp
//   - Subject: the stack the event is about
//   - DataContentType: "application/json"
func (e *Emitter) Publish(ctx context.Context, eventType, subject string, data any) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(e.source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	if subject != "" {
		event.SetSubject(subject)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	result := e.client.Send(ctx, event)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to send event %s: %w", event.ID(), result)
	}

	slog.DebugContext(ctx, "Event sent", "event_id", event.ID(), "event_type", eventType)
	return nil
}

// NoOp discards every event.
type NoOp struct{}

func (NoOp) Publish(context.Context, string, string, any) error { return nil }

// NewHTTPEmitter creates an emitter that POSTs structured events to target.
func NewHTTPEmitter(target, source string) (*Emitter, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return NewEmitter(client, source), nil
}
