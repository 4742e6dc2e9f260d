// internal/chaos/harness.go
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/dispatcher"
	"bookshop/internal/events"
	"bookshop/internal/order"
	"bookshop/internal/outbox"
)

const (
	acceptedTopic   = "order-accepted"
	dispatchedTopic = "order-dispatched"
	deadLetterTail  = ".dlq"
)

type HarnessOptions struct {
	Books         []clients.Book
	Retry         broker.RetryPolicy
	RelayInterval time.Duration
}

func DefaultHarnessOptions() HarnessOptions {
	return HarnessOptions{
		Retry: broker.RetryPolicy{
			MaxAttempts:     40,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2,
		},
		RelayInterval: 20 * time.Millisecond,
	}
}

// Saga wires the order service, the relay and the dispatcher together over
// in-memory stores and channels, with every fault injector in the path.
//
//	service -> FlakyStore -> MemoryStore + outbox.Memory
//	relay   -> CrashingPublisher -> DuplicatingPublisher -> broker.Memory
//	engine  -> FlakyCatalog -> StaticCatalog
type Saga struct {
	log  *slog.Logger
	opts HarnessOptions

	Catalog    *StaticCatalog
	Lookup     *FlakyCatalog
	Broker     *broker.Memory
	Publisher  *CrashingPublisher
	Duplicator *DuplicatingPublisher
	Store      *FlakyStore
	Outbox     *outbox.Memory
	Orders     order.Service
	Memo       *dispatcher.MemoryMemo
	Engine     *dispatcher.Engine

	orders *order.MemoryStore

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func NewSaga(log *slog.Logger, opts HarnessOptions) *Saga {
	s := &Saga{log: log, opts: opts}

	s.Catalog = NewStaticCatalog(opts.Books...)
	s.Lookup = NewFlakyCatalog(s.Catalog)
	s.Broker = broker.NewMemory()
	s.Broker.RedeliveryDelay = time.Millisecond
	s.Duplicator = NewDuplicatingPublisher(s.Broker)
	s.Publisher = NewCrashingPublisher(s.Duplicator)

	s.Outbox = outbox.NewMemory()
	s.orders = order.NewMemoryStore(s.Outbox)
	s.Store = NewFlakyStore(s.orders, s.Outbox)
	s.Orders = order.NewService(log, s.Store, s.Lookup, order.Options{
		AcceptedTopic:      acceptedTopic,
		TransitionAttempts: 5,
	})

	s.Memo = dispatcher.NewMemoryMemo()
	s.Engine = dispatcher.NewEngine(log, s.Lookup, s.Memo, s.Duplicator, dispatchedTopic)
	return s
}

func deadLetterTopic(topic string) string { return topic + deadLetterTail }

// Start runs the relay and both consumers until Stop.
func (s *Saga) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.StartRelay(ctx)

	decide := broker.NewProcessor(s.log, s.opts.Retry, s.Broker, deadLetterTopic, s.Engine.Handle)
	apply := broker.NewProcessor(s.log, s.opts.Retry, s.Broker, deadLetterTopic, order.NewDecisionHandler(s.log, s.Orders))

	s.consume(ctx, acceptedTopic, "dispatcher-service", decide.Handle)
	s.consume(ctx, dispatchedTopic, "order-service", apply.Handle)
}

func (s *Saga) consume(ctx context.Context, topic, group string, h broker.Handler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Broker.Subscribe(ctx, topic, group, h); err != nil && !errors.Is(err, broker.ErrClosed) {
			s.log.Error("consumer stopped", "topic", topic, "error", err)
		}
	}()
}

// StartRelay starts a relay over the shared outbox. It is a no-op while one
// is already running.
func (s *Saga) StartRelay(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayCancel != nil {
		return
	}

	relay := outbox.NewRelay(s.log, s.Store.Outbox(), s.Publisher,
		outbox.WithInterval(s.opts.RelayInterval),
		outbox.WithWakeup(s.Outbox.Wakeup()),
	)
	relayCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.relayCancel, s.relayDone = cancel, done

	go func() {
		defer close(done)
		_ = relay.Run(relayCtx)
	}()
}

// CrashRelay stops the relay abruptly. Entries published but not yet marked
// stay pending and go out again after StartRelay.
func (s *Saga) CrashRelay() {
	s.mu.Lock()
	cancel, done := s.relayCancel, s.relayDone
	s.relayCancel, s.relayDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Saga) Stop() {
	s.CrashRelay()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Saga) Place(ctx context.Context, isbn string, quantity int) (*order.Order, error) {
	return s.Orders.PlaceOrder(ctx, order.PlaceRequest{ISBN: isbn, Quantity: quantity})
}

// Backlog counts undispatched outbox entries.
func (s *Saga) Backlog(ctx context.Context) (int, error) {
	pending, err := s.Outbox.Pending(ctx, math.MaxInt)
	return len(pending), err
}

// Undecided counts orders still waiting for a dispatch decision.
func (s *Saga) Undecided(ctx context.Context) (int, error) {
	orders, err := s.orders.List(ctx, math.MaxInt)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if o.Status == order.StatusPending {
			n++
		}
	}
	return n, nil
}

// Inconsistent counts orders whose history is not a legal path, and orders
// for which contradicting decisions were published.
func (s *Saga) Inconsistent(ctx context.Context) (int, error) {
	orders, err := s.orders.List(ctx, math.MaxInt)
	if err != nil {
		return 0, err
	}

	outcomes := make(map[string]map[events.Outcome]bool)
	for _, m := range s.Broker.Published(dispatchedTopic) {
		d, err := events.DecodeOrderDispatched(m.Payload)
		if err != nil {
			continue
		}
		if outcomes[d.OrderID] == nil {
			outcomes[d.OrderID] = make(map[events.Outcome]bool)
		}
		outcomes[d.OrderID][d.Outcome] = true
	}

	n := 0
	for _, o := range orders {
		history, err := s.orders.History(ctx, o.ID)
		if err != nil {
			return 0, err
		}
		if !order.ValidPath(history) || history[len(history)-1].Version < o.Version || len(outcomes[o.ID]) > 1 {
			n++
		}
	}
	return n, nil
}

// DeadLetters counts messages on every dead-letter topic.
func (s *Saga) DeadLetters() int {
	return len(s.Broker.Published(deadLetterTopic(acceptedTopic))) +
		len(s.Broker.Published(deadLetterTopic(dispatchedTopic)))
}

// Decisions returns every order-dispatched event published so far.
func (s *Saga) Decisions() []events.OrderDispatched {
	var out []events.OrderDispatched
	for _, m := range s.Broker.Published(dispatchedTopic) {
		if d, err := events.DecodeOrderDispatched(m.Payload); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (s *Saga) History(ctx context.Context, orderID string) ([]order.Transition, error) {
	return s.orders.History(ctx, orderID)
}

// Settled reports whether every order is decided and the outbox is drained.
func (s *Saga) Settled(ctx context.Context) (bool, error) {
	backlog, err := s.Backlog(ctx)
	if err != nil {
		return false, err
	}
	undecided, err := s.Undecided(ctx)
	if err != nil {
		return false, err
	}
	return backlog == 0 && undecided == 0, nil
}

// WaitSettled polls Settled until it holds or ctx ends.
func (s *Saga) WaitSettled(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := s.Settled(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
