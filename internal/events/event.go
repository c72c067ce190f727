// Package events publishes anchoring and reconciliation events to external
// sinks: Kafka, signed webhooks and the service log.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeDiscrepancy      Type = "audit.discrepancy"
	TypeAnchorConfirmed  Type = "anchor.confirmed"
	TypeAnchorFailed     Type = "anchor.failed"
	TypeAnchorSuperseded Type = "anchor.superseded"
)

// Event is the envelope written to every sink.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       Type              `json:"type"`
	OwnerID    string            `json:"owner_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    map[string]string `json:"payload"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, ownerID string, payload map[string]string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		OwnerID:    ownerID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
