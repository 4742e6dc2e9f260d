// internal/order/domain.go
package order

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStoreUnavailable  = errors.New("order store unavailable")

	// ErrVersionConflict is returned by stores when the expected version no
	// longer matches. The service retries it and never returns it.
	ErrVersionConflict = errors.New("version conflict")
)

// Status is a position in the order lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAccepted   Status = "ACCEPTED"
	StatusRejected   Status = "REJECTED"
	StatusDispatched Status = "DISPATCHED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// successors lists the legal next states.
var successors = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:   {StatusDispatched},
	StatusDispatched: {StatusDelivered},
}

// reached lists, for each state, the states an order must have passed through
// to get there.
var reached = map[Status][]Status{
	StatusAccepted:   {StatusPending},
	StatusRejected:   {StatusPending},
	StatusCancelled:  {StatusPending},
	StatusDispatched: {StatusPending, StatusAccepted},
	StatusDelivered:  {StatusPending, StatusAccepted, StatusDispatched},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusDispatched, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s.Valid() && len(successors[s]) == 0
}

// Book is the snapshot of catalog data taken when the order is placed.
type Book struct {
	ISBN   string          `json:"isbn"`
	Title  string          `json:"title"`
	Author string          `json:"author"`
	Price  decimal.Decimal `json:"price"`
}

// Order is the aggregate owned by the order service.
type Order struct {
	ID        string    `json:"id"`
	Book      Book      `json:"book"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	Cause     string    `json:"cause,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one entry of an order's append-only history. Version is the
// order version the transition produced.
type Transition struct {
	OrderID string    `json:"order_id"`
	Version int       `json:"version"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Cause   string    `json:"cause,omitempty"`
	At      time.Time `json:"at"`
}

func NewOrder(id string, book Book, quantity int, now time.Time) (Order, Transition) {
	o := Order{
		ID:        id,
		Book:      book,
		Quantity:  quantity,
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return o, Transition{OrderID: id, Version: 1, To: StatusPending, At: now}
}

// Apply moves the order to target. When target is the current state or one
// the order already passed through, the request is a duplicate: the order is
// returned unchanged with changed=false. Any other move that is not a legal
// successor fails with ErrInvalidTransition.
func (o Order) Apply(target Status, cause string, now time.Time) (next Order, t Transition, changed bool, err error) {
	if !target.Valid() {
		return o, Transition{}, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if o.Status == target || slices.Contains(reached[o.Status], target) {
		return o, Transition{}, false, nil
	}
	if !slices.Contains(successors[o.Status], target) {
		return o, Transition{}, false, fmt.Errorf("%w: order %s is %s, cannot become %s", ErrInvalidTransition, o.ID, o.Status, target)
	}

	next = o
	next.Status = target
	next.Version = o.Version + 1
	next.UpdatedAt = now
	if target == StatusRejected {
		next.Cause = cause
	}

	t = Transition{
		OrderID: o.ID,
		Version: next.Version,
		From:    o.Status,
		To:      target,
		Cause:   cause,
		At:      now,
	}
	return next, t, true, nil
}

// ValidPath reports whether history is a legal walk from PENDING with
// consecutive versions.
func ValidPath(history []Transition) bool {
	if len(history) == 0 || history[0].To != StatusPending || history[0].Version != 1 {
		return false
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.From != prev.To || cur.Version != prev.Version+1 {
			return false
		}
		if !slices.Contains(successors[cur.From], cur.To) {
			return false
		}
	}
	return true
}

var isbnPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// PlaceRequest is the client's order placement input.
type PlaceRequest struct {
	ISBN     string `json:"isbn"`
	Quantity int    `json:"quantity"`
}

// Validate checks the request shape. maxQuantity of zero means no upper bound.
func (r PlaceRequest) Validate(maxQuantity int) error {
	isbn := strings.TrimSpace(r.ISBN)
	switch {
	case isbn == "":
		return fmt.Errorf("%w: isbn is required", ErrInvalidRequest)
	case !isbnPattern.MatchString(isbn):
		return fmt.Errorf("%w: malformed isbn %q", ErrInvalidRequest, r.ISBN)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidRequest, r.Quantity)
	case maxQuantity > 0 && r.Quantity > maxQuantity:
		return fmt.Errorf("%w: quantity must not exceed %d, got %d", ErrInvalidRequest, maxQuantity, r.Quantity)
	}
	return nil
}
