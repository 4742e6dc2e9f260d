// internal/dispatcher/engine.go
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/events"
	"bookshop/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Catalog reports current stock for a book.
type Catalog interface {
	GetBook(ctx context.Context, isbn string) (*clients.Book, error)
}

// Engine turns order-accepted events into order-dispatched decisions.
type Engine struct {
	log       *slog.Logger
	catalog   Catalog
	memo      Memo
	publisher broker.Publisher
	topic     string
	tracer    trace.Tracer
	decisions metric.Int64Counter
	now       func() time.Time
}

func NewEngine(log *slog.Logger, catalog Catalog, memo Memo, publisher broker.Publisher, topic string) *Engine {
	decisions, _ := otel.Meter("bookshop/dispatcher").Int64Counter("dispatch.decisions",
		metric.WithDescription("Dispatch decisions made, by outcome"))

	return &Engine{
		log:       log,
		catalog:   catalog,
		memo:      memo,
		publisher: publisher,
		topic:     topic,
		tracer:    otel.Tracer("bookshop/dispatcher"),
		decisions: decisions,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Decide returns the decision on record for the order, or looks the book up
// and records a new one. Lookup failures are returned as is and never turn
// into an outcome.
func (e *Engine) Decide(ctx context.Context, accepted events.OrderAccepted) (Decision, error) {
	if d, ok, err := e.memo.Recall(ctx, accepted.OrderID); err != nil {
		return Decision{}, err
	} else if ok {
		e.log.Debug("decision recalled", "order_id", d.OrderID, "outcome", d.Outcome)
		return d, nil
	}

	// a started lookup runs to completion even if the delivery is abandoned
	ctx = context.WithoutCancel(ctx)

	var d Decision
	book, err := e.catalog.GetBook(ctx, accepted.ISBN)
	switch {
	case errors.Is(err, clients.ErrBookNotFound):
		d = BookNotFound(accepted.OrderID, e.now())
	case err != nil:
		return Decision{}, fmt.Errorf("check stock for %s: %w", accepted.ISBN, err)
	default:
		d = Decide(accepted.OrderID, accepted.Quantity, book.Available, e.now())
	}

	d, err = e.memo.Remember(ctx, d)
	if err != nil {
		return Decision{}, err
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(d.Outcome))))
	return d, nil
}

// Handle is the order-accepted broker handler.
func (e *Engine) Handle(ctx context.Context, msg broker.Message) error {
	accepted, err := events.DecodeOrderAccepted(msg.Payload)
	if err != nil {
		return broker.Permanent(err)
	}

	ctx, span := e.tracer.Start(ctx, "dispatcher.decide",
		trace.WithAttributes(
			attribute.String("order.id", accepted.OrderID),
			attribute.String("book.isbn", accepted.ISBN),
			attribute.Int("quantity", accepted.Quantity),
		),
	)
	defer span.End()

	d, err := e.Decide(ctx, accepted)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("outcome", string(d.Outcome)))

	event := d.Event()
	payload, err := events.Encode(event)
	if err != nil {
		return broker.Permanent(err)
	}

	out := broker.Message{
		ID:      event.Key(),
		Topic:   e.topic,
		Key:     d.OrderID,
		Type:    events.TypeOrderDispatched,
		Payload: payload,
		Headers: map[string]string{},
	}
	telemetry.Inject(ctx, out.Headers)

	if err := e.publisher.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish decision for %s: %w", d.OrderID, err)
	}

	e.log.Info("order decided",
		"order_id", d.OrderID, "outcome", d.Outcome, "cause", d.Cause, "source_message", msg.ID)
	return nil
}
