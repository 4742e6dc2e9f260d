package chaos

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/clients"
	"bookshop/internal/events"
	"bookshop/internal/order"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testISBN = "1234567891"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSaga(available int) *Saga {
	opts := DefaultHarnessOptions()
	opts.Books = []clients.Book{{
		ISBN: testISBN, Title: "Northern Lights", Author: "Lyra Silvertongue",
		Price: decimal.RequireFromString("9.90"), Available: available,
	}}
	s := NewSaga(testLogger(), opts)
	s.Start(context.Background())
	return s
}

func newTestSaga(t *testing.T, available int) *Saga {
	t.Helper()
	s := startSaga(available)
	t.Cleanup(s.Stop)
	return s
}

func settle(t *testing.T, s *Saga) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSettled(ctx))
}

func status(t *testing.T, s *Saga, id string) *order.Order {
	t.Helper()
	o, err := s.Orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestScenarioEnoughStockIsAccepted(t *testing.T) {
	s := newTestSaga(t, 5)

	o, err := s.Place(context.Background(), testISBN, 2)
	require.NoError(t, err)
	settle(t, s)

	got := status(t, s, o.ID)
	assert.Equal(t, order.StatusAccepted, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.Zero(t, s.DeadLetters())
}

func TestScenarioShortStockIsRejected(t *testing.T) {
	s := newTestSaga(t, 3)

	o, err := s.Place(context.Background(), testISBN, 10)
	require.NoError(t, err)
	settle(t, s)

	got := status(t, s, o.ID)
	assert.Equal(t, order.StatusRejected, got.Status)
	assert.Equal(t, events.CauseInsufficientStock, got.Cause)
}

func TestScenarioLookupRecoversAfterFailures(t *testing.T) {
	s := newTestSaga(t, 5)

	s.Publisher.SetOutage(true)
	o, err := s.Place(context.Background(), testISBN, 2)
	require.NoError(t, err)
	s.Lookup.FailNext(3)
	s.Publisher.SetOutage(false)
	settle(t, s)

	_, failures := s.Lookup.Stats()
	assert.Equal(t, 3, failures)

	assert.Equal(t, order.StatusAccepted, status(t, s, o.ID).Status)
	history, err := s.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	decisions := s.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, events.OutcomeAccepted, decisions[0].Outcome)
	assert.Zero(t, s.DeadLetters())
}

func TestScenarioDuplicateDecisionIsNoOp(t *testing.T) {
	s := newTestSaga(t, 5)
	ctx := context.Background()

	o, err := s.Place(ctx, testISBN, 2)
	require.NoError(t, err)
	settle(t, s)

	// the same decision arriving again
	d := s.Decisions()[0]
	payload, err := events.Encode(d)
	require.NoError(t, err)
	require.NoError(t, s.Broker.Publish(ctx, broker.Message{
		ID: d.Key(), Topic: dispatchedTopic, Key: d.OrderID, Type: events.TypeOrderDispatched, Payload: payload,
	}))

	assert.Eventually(t, func() bool { return len(s.Broker.Published(dispatchedTopic)) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	history, err := s.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Zero(t, s.DeadLetters())
}

func TestContradictingDecisionIsDeadLettered(t *testing.T) {
	s := newTestSaga(t, 5)
	ctx := context.Background()

	o, err := s.Place(ctx, testISBN, 2)
	require.NoError(t, err)
	settle(t, s)

	payload, err := events.Encode(events.OrderDispatched{OrderID: o.ID, Outcome: events.OutcomeRejected, Cause: events.CauseInsufficientStock})
	require.NoError(t, err)
	require.NoError(t, s.Broker.Publish(ctx, broker.Message{ID: "forged", Topic: dispatchedTopic, Key: o.ID, Payload: payload}))

	require.Eventually(t, func() bool { return s.DeadLetters() == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := s.Broker.Published(dispatchedTopic + deadLetterTail)[0]
	assert.Equal(t, dispatchedTopic, dl.Headers[broker.HeaderOriginalTopic])
	assert.Equal(t, "1", dl.Headers[broker.HeaderAttempts])
	assert.Equal(t, order.StatusAccepted, status(t, s, o.ID).Status)
}

func TestAcceptedRedeliveryHasOneNetEffect(t *testing.T) {
	s := newTestSaga(t, 5)
	ctx := context.Background()

	o, err := s.Place(ctx, testISBN, 2)
	require.NoError(t, err)
	settle(t, s)

	accepted := s.Broker.Published(acceptedTopic)[0]
	s.Catalog.SetStock(testISBN, 0)
	for range 5 {
		require.NoError(t, s.Broker.Publish(ctx, accepted))
	}

	require.Eventually(t, func() bool { return len(s.Decisions()) == 6 }, 2*time.Second, 5*time.Millisecond)
	for _, d := range s.Decisions() {
		assert.Equal(t, events.OutcomeAccepted, d.Outcome)
	}

	time.Sleep(50 * time.Millisecond)
	history, err := s.History(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Zero(t, s.DeadLetters())
}

func TestRelayCrashLosesNothing(t *testing.T) {
	s := newTestSaga(t, 5)
	ctx := context.Background()

	s.Publisher.LoseAcks(3)
	var ids []string
	for range 6 {
		o, err := s.Place(ctx, testISBN, 1)
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	s.CrashRelay()
	s.StartRelay(ctx)
	settle(t, s)

	for _, id := range ids {
		assert.Equal(t, order.StatusAccepted, status(t, s, id).Status)
	}
	inconsistent, err := s.Inconsistent(ctx)
	require.NoError(t, err)
	assert.Zero(t, inconsistent)
	assert.Zero(t, s.DeadLetters())
}

func TestGameDay(t *testing.T) {
	if testing.Short() {
		t.Skip("game day takes a few seconds")
	}
	s := newTestSaga(t, 3)
	engine := NewEngine(testLogger(), 10*time.Millisecond)
	engine.Register(SagaExperiments(s, testISBN, 6)...)

	results, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "saga resilience",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.SteadyStateValid, r.ExperimentName)
		assert.True(t, r.HypothesisHeld, "%s: %v", r.ExperimentName, r.FailedAssertions)
		assert.NotNil(t, r.MTTR, r.ExperimentName)
	}
	assert.Len(t, engine.Results(), 5)
}

// Random orders under random fault toggles all settle with legal histories,
// one distinct outcome per order, and nothing dead-lettered.
func TestSagaSettlesUnderFaults(t *testing.T) {
	if testing.Short() {
		t.Skip("property runs the whole saga")
	}
	rapid.Check(t, func(rt *rapid.T) {
		available := rapid.IntRange(0, 6).Draw(rt, "available")
		quantities := rapid.SliceOfN(rapid.IntRange(1, 8), 1, 6).Draw(rt, "quantities")
		lostAcks := rapid.IntRange(0, 3).Draw(rt, "lost_acks")
		lookupFailures := rapid.IntRange(0, 3).Draw(rt, "lookup_failures")
		duplicate := rapid.Bool().Draw(rt, "duplicate")

		s := startSaga(available)
		defer s.Stop()
		s.Publisher.LoseAcks(lostAcks)
		s.Duplicator.SetEnabled(duplicate)

		ctx := context.Background()
		want := make(map[string]order.Status)
		for _, q := range quantities {
			o, err := s.Place(ctx, testISBN, q)
			if err != nil {
				rt.Fatalf("place: %v", err)
			}
			want[o.ID] = order.StatusRejected
			if available >= q {
				want[o.ID] = order.StatusAccepted
			}
		}
		s.Lookup.FailNext(lookupFailures)

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.WaitSettled(waitCtx); err != nil {
			rt.Fatalf("saga did not settle: %v", err)
		}

		for id, st := range want {
			o, err := s.Orders.GetOrder(ctx, id)
			if err != nil {
				rt.Fatalf("get %s: %v", id, err)
			}
			if o.Status != st {
				rt.Fatalf("order %s is %s, want %s", id, o.Status, st)
			}
		}
		if n, _ := s.Inconsistent(ctx); n != 0 {
			rt.Fatalf("%d inconsistent orders", n)
		}
		if n := s.DeadLetters(); n != 0 {
			rt.Fatalf("%d dead letters", n)
		}
	})
}
