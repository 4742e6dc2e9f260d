// internal/outbox/outbox.go
package outbox

import (
	"context"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/telemetry"

	"github.com/oklog/ulid/v2"
)

// Entry is an event waiting to be handed to the message channel. It is written
// in the same transaction as the state change it announces.
type Entry struct {
	ID           int64
	EventID      string
	AggregateID  string
	EventType    string
	Topic        string
	Payload      []byte
	Headers      map[string]string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// NewEntry builds an entry for aggregateID carrying the trace context of ctx.
// ID is assigned by the store.
func NewEntry(ctx context.Context, aggregateID, eventType, topic string, payload []byte) Entry {
	headers := make(map[string]string)
	telemetry.Inject(ctx, headers)
	return Entry{
		EventID:     ulid.Make().String(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       topic,
		Payload:     payload,
		Headers:     headers,
		CreatedAt:   time.Now().UTC(),
	}
}

// Message converts the entry for publishing, keyed by its aggregate.
func (e Entry) Message() broker.Message {
	return broker.Message{
		ID:      e.EventID,
		Topic:   e.Topic,
		Key:     e.AggregateID,
		Type:    e.EventType,
		Payload: e.Payload,
		Headers: e.Headers,
	}
}

// Store is the relay's view of the outbox.
type Store interface {
	// Pending returns committed, undispatched entries in creation order.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkDispatched(ctx context.Context, id int64, at time.Time) error
}

// Leader grants exclusive relay leadership for the duration of one pass.
type Leader interface {
	TryLead(ctx context.Context) (release func(), ok bool, err error)
}
