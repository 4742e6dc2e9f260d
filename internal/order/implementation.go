// internal/order/implementation.go
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookshop/internal/clients"
	"bookshop/internal/events"
	"bookshop/internal/outbox"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes the order service.
type Options struct {
	// AcceptedTopic receives the event announcing a placed order.
	AcceptedTopic string
	// MaxQuantity caps the quantity per order; zero disables the cap.
	MaxQuantity int
	// TransitionAttempts bounds re-reads after a lost version race.
	TransitionAttempts int
}

// service implements the Service interface.
type service struct {
	log         *slog.Logger
	store       Store
	books       BookLookup
	opts        Options
	tracer      trace.Tracer
	transitions metric.Int64Counter
	now         func() time.Time
}

// NewService creates a new order service instance.
func NewService(log *slog.Logger, store Store, books BookLookup, opts Options) Service {
	if opts.TransitionAttempts < 1 {
		opts.TransitionAttempts = 5
	}
	transitions, _ := otel.Meter("bookshop/order").Int64Counter("orders.transitions",
		metric.WithDescription("Order state transitions committed"))

	return &service{
		log:         log,
		store:       store,
		books:       books,
		opts:        opts,
		tracer:      otel.Tracer("bookshop/order"),
		transitions: transitions,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder snapshots the book, creates the order as PENDING and queues the
// order-accepted event in the same write.
func (s *service) PlaceOrder(ctx context.Context, req PlaceRequest) (*Order, error) {
	req.ISBN = strings.TrimSpace(req.ISBN)
	ctx, span := s.tracer.Start(ctx, "order.place",
		trace.WithAttributes(attribute.String("book.isbn", req.ISBN), attribute.Int("quantity", req.Quantity)))
	defer span.End()

	if err := req.Validate(s.opts.MaxQuantity); err != nil {
		return nil, err
	}

	book, err := s.books.GetBook(ctx, req.ISBN)
	if err != nil {
		if errors.Is(err, clients.ErrBookNotFound) {
			return nil, fmt.Errorf("%w: unknown book %q", ErrInvalidRequest, req.ISBN)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("look up book %s: %w", req.ISBN, err)
	}

	o, created := NewOrder(uuid.NewString(), Book{
		ISBN:   book.ISBN,
		Title:  book.Title,
		Author: book.Author,
		Price:  book.Price,
	}, req.Quantity, s.now())

	payload, err := events.Encode(events.OrderAccepted{
		OrderID:   o.ID,
		ISBN:      o.Book.ISBN,
		Quantity:  o.Quantity,
		CreatedAt: o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	entry := outbox.NewEntry(ctx, o.ID, events.TypeOrderAccepted, s.opts.AcceptedTopic, payload)

	if err := s.store.Create(ctx, o, created, entry); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(StatusPending))))
	s.log.Info("order placed", "order_id", o.ID, "isbn", o.Book.ISBN, "quantity", o.Quantity)
	span.SetAttributes(attribute.String("order.id", o.ID))
	return &o, nil
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *service) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	return s.store.List(ctx, limit)
}

func (s *service) History(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// ApplyDispatchDecision records the dispatcher's outcome. Re-applying the same
// outcome is a no-op; a different outcome for a decided order is an
// ErrInvalidTransition.
func (s *service) ApplyDispatchDecision(ctx context.Context, d events.OrderDispatched) (*Order, error) {
	var target Status
	switch d.Outcome {
	case events.OutcomeAccepted:
		target = StatusAccepted
	case events.OutcomeRejected:
		target = StatusRejected
	default:
		return nil, fmt.Errorf("%w: outcome %q", events.ErrMalformed, d.Outcome)
	}
	return s.transition(ctx, d.OrderID, target, d.Cause)
}

// Fulfill is driven by the downstream fulfillment collaborator.
func (s *service) Fulfill(ctx context.Context, id string, status Status) (*Order, error) {
	if status != StatusDispatched && status != StatusDelivered {
		return nil, fmt.Errorf("%w: fulfillment status must be %s or %s", ErrInvalidRequest, StatusDispatched, StatusDelivered)
	}
	return s.transition(ctx, id, status, "")
}

func (s *service) Cancel(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, StatusCancelled, "")
}

// transition re-reads and re-applies on every version conflict, up to the
// configured bound. A conflict that outlasts the bound is reported as
// ErrStoreUnavailable so callers treat it as transient.
func (s *service) transition(ctx context.Context, id string, target Status, cause string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.transition",
		trace.WithAttributes(attribute.String("order.id", id), attribute.String("order.target", string(target))))
	defer span.End()

	attempts := 0
	operation := func() (*Order, error) {
		attempts++
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		next, t, changed, err := current.Apply(target, cause, s.now())
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !changed {
			s.log.Debug("transition already applied", "order_id", id, "status", current.Status, "target", target)
			return &current, nil
		}

		if err := s.store.Update(ctx, next, current.Version, t); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				span.AddEvent("version.conflict", trace.WithAttributes(attribute.Int("expected.version", current.Version)))
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(target))))
		s.log.Info("order transitioned", "order_id", id, "from", t.From, "to", t.To, "version", t.Version, "cause", t.Cause)
		return &next, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	o, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.TransitionAttempts)),
	)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: order %s still contended after %d attempts", ErrStoreUnavailable, id, attempts)
		}
		return nil, err
	}
	return o, nil
}
