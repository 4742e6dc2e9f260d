// internal/events/events.go
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	TypeOrderAccepted   = "OrderAccepted"
	TypeOrderDispatched = "OrderDispatched"
)

// Outcome is the dispatcher's verdict on an order.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

const (
	CauseInsufficientStock = "INSUFFICIENT_STOCK"
	CauseBookNotFound      = "BOOK_NOT_FOUND"
)

// ErrMalformed marks a payload that can never be processed.
var ErrMalformed = errors.New("malformed event")

// OrderAccepted announces a newly placed order awaiting a dispatch decision.
type OrderAccepted struct {
	OrderID   string    `json:"order_id"`
	ISBN      string    `json:"isbn"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderDispatched carries the dispatcher's decision for one order.
type OrderDispatched struct {
	OrderID   string    `json:"order_id"`
	Outcome   Outcome   `json:"outcome"`
	Cause     string    `json:"cause,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Key identifies the decision for idempotent consumption.
func (e OrderDispatched) Key() string {
	return strings.Join([]string{TypeOrderDispatched, e.OrderID, string(e.Outcome)}, ":")
}

func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func DecodeOrderAccepted(data []byte) (OrderAccepted, error) {
	var e OrderAccepted
	if err := json.Unmarshal(data, &e); err != nil {
		return OrderAccepted{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case e.OrderID == "":
		return OrderAccepted{}, fmt.Errorf("%w: missing order_id", ErrMalformed)
	case e.ISBN == "":
		return OrderAccepted{}, fmt.Errorf("%w: missing isbn", ErrMalformed)
	case e.Quantity <= 0:
		return OrderAccepted{}, fmt.Errorf("%w: quantity %d", ErrMalformed, e.Quantity)
	}
	return e, nil
}

func DecodeOrderDispatched(data []byte) (OrderDispatched, error) {
	var e OrderDispatched
	if err := json.Unmarshal(data, &e); err != nil {
		return OrderDispatched{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.OrderID == "" {
		return OrderDispatched{}, fmt.Errorf("%w: missing order_id", ErrMalformed)
	}
	if e.Outcome != OutcomeAccepted && e.Outcome != OutcomeRejected {
		return OrderDispatched{}, fmt.Errorf("%w: unknown outcome %q", ErrMalformed, e.Outcome)
	}
	return e, nil
}
