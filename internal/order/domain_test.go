package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testBook = Book{ISBN: "1234567891", Title: "Northern Lights", Author: "Lyra Silvertongue", Price: decimal.RequireFromString("9.90")}
)

var allStatuses = []Status{
	StatusPending, StatusAccepted, StatusRejected, StatusDispatched, StatusDelivered, StatusCancelled,
}

func TestNewOrderStartsPending(t *testing.T) {
	o, tr := NewOrder("o-1", testBook, 2, testNow)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, 1, o.Version)
	assert.Equal(t, Transition{OrderID: "o-1", Version: 1, To: StatusPending, At: testNow}, tr)
}

func TestApply(t *testing.T) {
	at := func(s Status, version int) Order {
		o, _ := NewOrder("o-1", testBook, 1, testNow)
		o.Status = s
		o.Version = version
		return o
	}

	tests := []struct {
		name        string
		from        Order
		target      Status
		wantChanged bool
		wantErr     error
		wantVersion int
	}{
		{"accept pending", at(StatusPending, 1), StatusAccepted, true, nil, 2},
		{"reject pending", at(StatusPending, 1), StatusRejected, true, nil, 2},
		{"cancel pending", at(StatusPending, 1), StatusCancelled, true, nil, 2},
		{"dispatch accepted", at(StatusAccepted, 2), StatusDispatched, true, nil, 3},
		{"deliver dispatched", at(StatusDispatched, 3), StatusDelivered, true, nil, 4},
		{"accept accepted again", at(StatusAccepted, 2), StatusAccepted, false, nil, 2},
		{"late accept after dispatch", at(StatusDispatched, 3), StatusAccepted, false, nil, 3},
		{"reject accepted", at(StatusAccepted, 2), StatusRejected, false, ErrInvalidTransition, 2},
		{"accept rejected", at(StatusRejected, 2), StatusAccepted, false, ErrInvalidTransition, 2},
		{"cancel accepted", at(StatusAccepted, 2), StatusCancelled, false, ErrInvalidTransition, 2},
		{"deliver pending", at(StatusPending, 1), StatusDelivered, false, ErrInvalidTransition, 1},
		{"back to pending is a no-op", at(StatusRejected, 2), StatusPending, false, nil, 2},
		{"unknown target", at(StatusPending, 1), Status("LOST"), false, ErrInvalidTransition, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, tr, changed, err := tt.from.Apply(tt.target, testCause, testNow.Add(time.Minute))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantVersion, next.Version)
			if changed {
				assert.Equal(t, tt.target, next.Status)
				assert.Equal(t, tt.from.Status, tr.From)
				assert.Equal(t, next.Version, tr.Version)
			}
		})
	}
}

const testCause = "INSUFFICIENT_STOCK"

func TestApplyKeepsCauseOnlyForRejection(t *testing.T) {
	o, _ := NewOrder("o-1", testBook, 1, testNow)

	rejected, _, _, err := o.Apply(StatusRejected, testCause, testNow)
	require.NoError(t, err)
	assert.Equal(t, testCause, rejected.Cause)

	accepted, _, _, err := o.Apply(StatusAccepted, "", testNow)
	require.NoError(t, err)
	assert.Empty(t, accepted.Cause)
}

func TestPlaceRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     PlaceRequest
		max     int
		wantErr bool
	}{
		{"valid", PlaceRequest{ISBN: "1234567891", Quantity: 3}, 0, false},
		{"hyphenated isbn", PlaceRequest{ISBN: "978-0-14-143951-8", Quantity: 1}, 0, false},
		{"large quantity without cap", PlaceRequest{ISBN: "1234567891", Quantity: 10}, 0, false},
		{"missing isbn", PlaceRequest{Quantity: 1}, 0, true},
		{"blank isbn", PlaceRequest{ISBN: "   ", Quantity: 1}, 0, true},
		{"malformed isbn", PlaceRequest{ISBN: "12 34", Quantity: 1}, 0, true},
		{"zero quantity", PlaceRequest{ISBN: "1234567891", Quantity: 0}, 0, true},
		{"negative quantity", PlaceRequest{ISBN: "1234567891", Quantity: -2}, 0, true},
		{"over cap", PlaceRequest{ISBN: "1234567891", Quantity: 6}, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(tt.max)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidPath(t *testing.T) {
	start := Transition{OrderID: "o-1", Version: 1, To: StatusPending}
	assert.True(t, ValidPath([]Transition{start}))
	assert.True(t, ValidPath([]Transition{
		start,
		{OrderID: "o-1", Version: 2, From: StatusPending, To: StatusAccepted},
		{OrderID: "o-1", Version: 3, From: StatusAccepted, To: StatusDispatched},
	}))
	assert.False(t, ValidPath(nil))
	assert.False(t, ValidPath([]Transition{
		start,
		{OrderID: "o-1", Version: 2, From: StatusPending, To: StatusDelivered},
	}))
	assert.False(t, ValidPath([]Transition{
		start,
		{OrderID: "o-1", Version: 3, From: StatusPending, To: StatusAccepted},
	}))
}

// Any sequence of requested targets yields a legal history with at most one
// of ACCEPTED, REJECTED and CANCELLED.
func TestApplyProducesValidPaths(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		targets := rapid.SliceOf(rapid.SampledFrom(allStatuses)).Draw(t, "targets")

		o, first := NewOrder("o-1", testBook, 1, testNow)
		history := []Transition{first}
		for _, target := range targets {
			next, tr, changed, err := o.Apply(target, testCause, testNow)
			if err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("unexpected error: %v", err)
				}
				if next.Version != o.Version {
					t.Fatalf("failed transition changed version")
				}
				continue
			}
			if changed {
				history = append(history, tr)
			}
			o = next
		}

		if !ValidPath(history) {
			t.Fatalf("invalid history: %+v", history)
		}
		if o.Version != len(history) {
			t.Fatalf("version %d does not match history length %d", o.Version, len(history))
		}

		outcomes := 0
		for _, tr := range history {
			switch tr.To {
			case StatusAccepted, StatusRejected, StatusCancelled:
				outcomes++
			}
		}
		if outcomes > 1 {
			t.Fatalf("order reached %d first-level outcomes", outcomes)
		}
	})
}

// Applying the same target twice never changes the order the second time.
func TestApplyIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		target := rapid.SampledFrom(allStatuses).Draw(t, "target")
		o, _ := NewOrder("o-1", testBook, 1, testNow)

		once, _, _, err := o.Apply(target, testCause, testNow)
		if err != nil {
			return
		}
		twice, _, changed, err := once.Apply(target, testCause, testNow)
		if err != nil || changed || twice != once {
			t.Fatalf("second apply of %s changed the order (changed=%v err=%v)", target, changed, err)
		}
	})
}
