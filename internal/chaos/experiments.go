// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SagaExperiments returns the standard game day scenarios against s. Each
// places load orders for isbn, alternating quantities that the default stock
// of 3 accepts and rejects.
func SagaExperiments(s *Saga, isbn string, load int) []Experiment {
	return []Experiment{
		CatalogOutageExperiment(s, isbn, load),
		RelayCrashExperiment(s, isbn, load),
		DuplicateDeliveryExperiment(s, isbn, load),
		StoreOutageExperiment(s, isbn, load),
		BrokerOutageExperiment(s, isbn, load),
	}
}

func sagaMetrics(s *Saga) []Metric {
	return []Metric{
		{
			Name: "undecided_orders",
			Query: func(ctx context.Context) (float64, error) {
				n, err := s.Undecided(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "outbox_backlog",
			Query: func(ctx context.Context) (float64, error) {
				n, err := s.Backlog(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "inconsistent_orders",
			Query: func(ctx context.Context) (float64, error) {
				n, err := s.Inconsistent(ctx)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "dead_letters",
			Query: func(ctx context.Context) (float64, error) {
				return float64(s.DeadLetters()), nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func sagaAssertions() []Assertion {
	zero := func(v float64) bool { return v == 0 }
	return []Assertion{
		{Metric: "undecided_orders", Condition: zero, Message: "every placed order receives a decision"},
		{Metric: "outbox_backlog", Condition: zero, Message: "every outbox entry is eventually dispatched"},
		{Metric: "inconsistent_orders", Condition: zero, Message: "no order has an illegal history or contradicting decisions"},
		{Metric: "dead_letters", Condition: zero, Message: "transient faults never dead-letter a message"},
	}
}

func placeLoad(s *Saga, isbn string, load int) Action {
	return Action{
		Type:   "load",
		Target: "order-service",
		Execute: func(ctx context.Context) error {
			var errs []error
			for i := range load {
				quantity := 2
				if i%2 == 1 {
					quantity = 10
				}
				if _, err := s.Place(ctx, isbn, quantity); err != nil {
					errs = append(errs, fmt.Errorf("place order %d: %w", i, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func toggle(typ, target string, fn func(context.Context)) Action {
	return Action{
		Type:   typ,
		Target: target,
		Execute: func(ctx context.Context) error {
			fn(ctx)
			return nil
		},
	}
}

// CatalogOutageExperiment takes the catalog down while decisions are pending.
func CatalogOutageExperiment(s *Saga, isbn string, load int) Experiment {
	return Experiment{
		Name:        "catalog-outage",
		Hypothesis:  "Lookups that fail while the catalog is down are retried, never turned into an outcome",
		SteadyState: sagaMetrics(s),
		Method: []Action{
			placeLoad(s, isbn, load),
			toggle("outage", "catalog", func(context.Context) { s.Lookup.SetDown(true) }),
		},
		Rollback: []Action{
			toggle("restore", "catalog", func(context.Context) { s.Lookup.SetDown(false) }),
		},
		Validation: sagaAssertions(),
		Duration:   200 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}

// RelayCrashExperiment loses broker acknowledgements and kills the relay,
// leaving entries published but unmarked.
func RelayCrashExperiment(s *Saga, isbn string, load int) Experiment {
	return Experiment{
		Name:        "relay-crash",
		Hypothesis:  "Entries published before a relay crash are republished on restart and absorbed downstream",
		SteadyState: sagaMetrics(s),
		Method: []Action{
			toggle("ack-loss", "outbox-relay", func(context.Context) { s.Publisher.LoseAcks(load) }),
			placeLoad(s, isbn, load),
			toggle("crash", "outbox-relay", func(context.Context) { s.CrashRelay() }),
		},
		Rollback: []Action{
			toggle("restart", "outbox-relay", func(ctx context.Context) {
				s.Publisher.LoseAcks(0)
				s.StartRelay(ctx)
			}),
		},
		Validation: sagaAssertions(),
		Duration:   100 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}

// DuplicateDeliveryExperiment delivers every message twice.
func DuplicateDeliveryExperiment(s *Saga, isbn string, load int) Experiment {
	return Experiment{
		Name:        "duplicate-delivery",
		Hypothesis:  "Duplicated order-accepted and order-dispatched messages have a single net effect",
		SteadyState: sagaMetrics(s),
		Method: []Action{
			toggle("duplicate", "broker", func(context.Context) { s.Duplicator.SetEnabled(true) }),
			placeLoad(s, isbn, load),
		},
		Rollback: []Action{
			toggle("restore", "broker", func(context.Context) { s.Duplicator.SetEnabled(false) }),
		},
		Validation: sagaAssertions(),
		Duration:   300 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}

// StoreOutageExperiment fails order writes and outbox reads after placement.
func StoreOutageExperiment(s *Saga, isbn string, load int) Experiment {
	return Experiment{
		Name:        "store-outage",
		Hypothesis:  "Decisions arriving while the order store is down are retried until it returns",
		SteadyState: sagaMetrics(s),
		Method: []Action{
			placeLoad(s, isbn, load),
			toggle("outage", "order-store", func(context.Context) { s.Store.SetDown(true) }),
		},
		Rollback: []Action{
			toggle("restore", "order-store", func(context.Context) { s.Store.SetDown(false) }),
		},
		Validation: sagaAssertions(),
		Duration:   200 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}

// BrokerOutageExperiment refuses every relay publish.
func BrokerOutageExperiment(s *Saga, isbn string, load int) Experiment {
	return Experiment{
		Name:        "broker-outage",
		Hypothesis:  "Orders placed while the broker is unreachable stay in the outbox and go out once it returns",
		SteadyState: sagaMetrics(s),
		Method: []Action{
			toggle("outage", "broker", func(context.Context) { s.Publisher.SetOutage(true) }),
			placeLoad(s, isbn, load),
		},
		Rollback: []Action{
			toggle("restore", "broker", func(context.Context) { s.Publisher.SetOutage(false) }),
		},
		Validation: sagaAssertions(),
		Duration:   200 * time.Millisecond,
		Settle:     5 * time.Second,
	}
}
