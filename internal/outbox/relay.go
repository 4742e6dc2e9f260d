// internal/outbox/relay.go
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bookshop/internal/broker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Relay moves committed outbox entries to the message channel. Entries of one
// aggregate are published one after another in creation order; different
// aggregates are published concurrently.
type Relay struct {
	log         *slog.Logger
	store       Store
	publisher   broker.Publisher
	leader      Leader
	wake        <-chan struct{}
	batchSize   int
	concurrency int
	interval    time.Duration
	tracer      trace.Tracer
	published   metric.Int64Counter
}

type Option func(*Relay)

func WithBatchSize(n int) Option { return func(r *Relay) { r.batchSize = n } }

func WithConcurrency(n int) Option { return func(r *Relay) { r.concurrency = n } }

func WithInterval(d time.Duration) Option { return func(r *Relay) { r.interval = d } }

// WithWakeup makes Run start a pass as soon as ch fires instead of waiting for
// the next tick.
func WithWakeup(ch <-chan struct{}) Option { return func(r *Relay) { r.wake = ch } }

func WithLeader(l Leader) Option { return func(r *Relay) { r.leader = l } }

func NewRelay(log *slog.Logger, store Store, publisher broker.Publisher, opts ...Option) *Relay {
	published, _ := otel.Meter("bookshop/outbox").Int64Counter("outbox.published",
		metric.WithDescription("Outbox entries acknowledged by the channel and marked dispatched"))

	r := &Relay{
		log:         log,
		store:       store,
		publisher:   publisher,
		batchSize:   100,
		concurrency: 8,
		interval:    500 * time.Millisecond,
		tracer:      otel.Tracer("bookshop/outbox"),
		published:   published,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", "interval", r.interval, "batch_size", r.batchSize)

	for {
		if n, err := r.pass(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("outbox pass incomplete", "dispatched", n, "error", err)
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

func (r *Relay) pass(ctx context.Context) (int, error) {
	if r.leader != nil {
		release, ok, err := r.leader.TryLead(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire relay leadership: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer release()
	}
	return r.Flush(ctx)
}

// Flush performs one pass over pending entries and returns how many were
// dispatched. A failing aggregate stops at its first failure so that nothing
// after it is published ahead of it; other aggregates carry on.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.flush")
	defer span.End()

	entries, err := r.store.Pending(ctx, r.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load pending entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sent atomic.Int64
	)
	sem := make(chan struct{}, r.concurrency)

	for _, group := range groupByAggregate(entries) {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := r.relayGroup(ctx, group)
			sent.Add(int64(n))
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("entries.pending", len(entries)),
		attribute.Int64("entries.dispatched", sent.Load()),
	)
	return int(sent.Load()), errors.Join(errs...)
}

func (r *Relay) relayGroup(ctx context.Context, group []Entry) (int, error) {
	for i, e := range group {
		if err := r.publisher.Publish(ctx, e.Message()); err != nil {
			return i, fmt.Errorf("publish entry %d of %s: %w", e.ID, e.AggregateID, err)
		}
		if err := r.store.MarkDispatched(ctx, e.ID, time.Now().UTC()); err != nil {
			return i, fmt.Errorf("mark entry %d dispatched: %w", e.ID, err)
		}
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", e.Topic)))
		r.log.Debug("outbox entry dispatched", "entry_id", e.ID, "aggregate_id", e.AggregateID, "topic", e.Topic)
	}
	return len(group), nil
}

// groupByAggregate splits entries per aggregate, keeping creation order inside
// each group and first-seen order across groups.
func groupByAggregate(entries []Entry) [][]Entry {
	index := make(map[string]int)
	var groups [][]Entry
	for _, e := range entries {
		i, ok := index[e.AggregateID]
		if !ok {
			i = len(groups)
			index[e.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
