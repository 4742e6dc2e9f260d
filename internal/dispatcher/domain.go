// internal/dispatcher/domain.go
package dispatcher

import (
	"time"

	"bookshop/internal/events"
)

// Decision is the dispatcher's verdict for one order.
type Decision struct {
	OrderID   string         `json:"order_id"`
	Outcome   events.Outcome `json:"outcome"`
	Cause     string         `json:"cause,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Decide accepts the order when the catalog holds enough copies.
func Decide(orderID string, requested, available int, now time.Time) Decision {
	if available >= requested {
		return Decision{OrderID: orderID, Outcome: events.OutcomeAccepted, DecidedAt: now}
	}
	return Decision{
		OrderID:   orderID,
		Outcome:   events.OutcomeRejected,
		Cause:     events.CauseInsufficientStock,
		DecidedAt: now,
	}
}

// BookNotFound rejects an order whose book the catalog no longer knows.
func BookNotFound(orderID string, now time.Time) Decision {
	return Decision{
		OrderID:   orderID,
		Outcome:   events.OutcomeRejected,
		Cause:     events.CauseBookNotFound,
		DecidedAt: now,
	}
}

func (d Decision) Event() events.OrderDispatched {
	return events.OrderDispatched{
		OrderID:   d.OrderID,
		Outcome:   d.Outcome,
		Cause:     d.Cause,
		DecidedAt: d.DecidedAt,
	}
}
