// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/dispatcher"
	"bookshop/internal/order"
	"bookshop/internal/outbox"
)

// ErrAckLost is returned by CrashingPublisher after the message went out but
// before the caller could see the acknowledgement.
var ErrAckLost = errors.New("acknowledgement lost")

var errInjectedOutage = errors.New("injected outage")

// StaticCatalog serves books from memory.
type StaticCatalog struct {
	mu    sync.Mutex
	books map[string]clients.Book
}

func NewStaticCatalog(books ...clients.Book) *StaticCatalog {
	c := &StaticCatalog{books: make(map[string]clients.Book)}
	for _, b := range books {
		c.books[b.ISBN] = b
	}
	return c
}

func (c *StaticCatalog) GetBook(ctx context.Context, isbn string) (*clients.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[isbn]
	if !ok {
		return nil, clients.ErrBookNotFound
	}
	return &b, nil
}

func (c *StaticCatalog) SetStock(isbn string, available int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.books[isbn]
	b.ISBN = isbn
	b.Available = available
	c.books[isbn] = b
}

// FlakyCatalog fails lookups on demand with ErrLookupUnavailable.
type FlakyCatalog struct {
	inner dispatcher.Catalog

	mu       sync.Mutex
	failNext int
	down     bool
	calls    int
	failures int
}

func NewFlakyCatalog(inner dispatcher.Catalog) *FlakyCatalog {
	return &FlakyCatalog{inner: inner}
}

func (c *FlakyCatalog) GetBook(ctx context.Context, isbn string) (*clients.Book, error) {
	c.mu.Lock()
	c.calls++
	if c.down || c.failNext > 0 {
		if c.failNext > 0 {
			c.failNext--
		}
		c.failures++
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", clients.ErrLookupUnavailable, errInjectedOutage)
	}
	c.mu.Unlock()
	return c.inner.GetBook(ctx, isbn)
}

// FailNext makes the next n lookups fail.
func (c *FlakyCatalog) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

func (c *FlakyCatalog) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Stats returns the number of lookups and of injected failures.
func (c *FlakyCatalog) Stats() (calls, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.failures
}

// CrashingPublisher simulates a relay dying around the publish call. In
// ack-loss mode the message is delivered and the error is returned anyway;
// in outage mode nothing is delivered.
type CrashingPublisher struct {
	inner broker.Publisher

	mu      sync.Mutex
	ackLoss int
	outage  bool
}

func NewCrashingPublisher(inner broker.Publisher) *CrashingPublisher {
	return &CrashingPublisher{inner: inner}
}

func (p *CrashingPublisher) Publish(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	outage := p.outage
	lose := p.ackLoss > 0
	if lose {
		p.ackLoss--
	}
	p.mu.Unlock()

	if outage {
		return fmt.Errorf("publish %s: %w", msg.ID, errInjectedOutage)
	}
	if err := p.inner.Publish(ctx, msg); err != nil {
		return err
	}
	if lose {
		return fmt.Errorf("publish %s: %w", msg.ID, ErrAckLost)
	}
	return nil
}

// LoseAcks drops the acknowledgement of the next n successful publishes.
func (p *CrashingPublisher) LoseAcks(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackLoss = n
}

func (p *CrashingPublisher) SetOutage(outage bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outage = outage
}

// DuplicatingPublisher delivers every message twice while enabled, the way a
// broker does after a producer retry.
type DuplicatingPublisher struct {
	inner broker.Publisher

	mu      sync.Mutex
	enabled bool
}

func NewDuplicatingPublisher(inner broker.Publisher) *DuplicatingPublisher {
	return &DuplicatingPublisher{inner: inner}
}

func (p *DuplicatingPublisher) Publish(ctx context.Context, msg broker.Message) error {
	if err := p.inner.Publish(ctx, msg); err != nil {
		return err
	}
	p.mu.Lock()
	dup := p.enabled
	p.mu.Unlock()
	if dup {
		return p.inner.Publish(ctx, msg)
	}
	return nil
}

func (p *DuplicatingPublisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// FlakyStore fails order writes with ErrStoreUnavailable and outbox reads
// with an injected outage while down.
type FlakyStore struct {
	order.Store
	outbox outbox.Store

	mu   sync.Mutex
	down bool
}

func NewFlakyStore(orders order.Store, entries outbox.Store) *FlakyStore {
	return &FlakyStore{Store: orders, outbox: entries}
}

func (s *FlakyStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *FlakyStore) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *FlakyStore) Create(ctx context.Context, o order.Order, t order.Transition, entries ...outbox.Entry) error {
	if s.isDown() {
		return fmt.Errorf("%w: %v", order.ErrStoreUnavailable, errInjectedOutage)
	}
	return s.Store.Create(ctx, o, t, entries...)
}

func (s *FlakyStore) Update(ctx context.Context, o order.Order, expectedVersion int, t order.Transition, entries ...outbox.Entry) error {
	if s.isDown() {
		return fmt.Errorf("%w: %v", order.ErrStoreUnavailable, errInjectedOutage)
	}
	return s.Store.Update(ctx, o, expectedVersion, t, entries...)
}

// Outbox returns the relay's view of the store, failing with the rest of it.
func (s *FlakyStore) Outbox() outbox.Store {
	return flakyOutbox{s}
}

type flakyOutbox struct{ s *FlakyStore }

func (f flakyOutbox) Pending(ctx context.Context, limit int) ([]outbox.Entry, error) {
	if f.s.isDown() {
		return nil, errInjectedOutage
	}
	return f.s.outbox.Pending(ctx, limit)
}

func (f flakyOutbox) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	if f.s.isDown() {
		return errInjectedOutage
	}
	return f.s.outbox.MarkDispatched(ctx, id, at)
}
