// internal/order/postgres.go
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookshop/internal/outbox"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	book_isbn   TEXT NOT NULL,
	book_title  TEXT NOT NULL,
	book_author TEXT NOT NULL,
	book_price  NUMERIC NOT NULL,
	quantity    INT NOT NULL CHECK (quantity > 0),
	status      TEXT NOT NULL,
	cause       TEXT NOT NULL DEFAULT '',
	version     INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC);
CREATE TABLE IF NOT EXISTS order_events (
	id          BIGSERIAL PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders (id),
	version     INT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	cause       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (order_id, version)
);
`

type orderRow struct {
	ID         string          `db:"id"`
	BookISBN   string          `db:"book_isbn"`
	BookTitle  string          `db:"book_title"`
	BookAuthor string          `db:"book_author"`
	BookPrice  decimal.Decimal `db:"book_price"`
	Quantity   int             `db:"quantity"`
	Status     string          `db:"status"`
	Cause      string          `db:"cause"`
	Version    int             `db:"version"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r orderRow) order() Order {
	return Order{
		ID: r.ID,
		Book: Book{
			ISBN:   r.BookISBN,
			Title:  r.BookTitle,
			Author: r.BookAuthor,
			Price:  r.BookPrice,
		},
		Quantity:  r.Quantity,
		Status:    Status(r.Status),
		Cause:     r.Cause,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type transitionRow struct {
	OrderID   string    `db:"order_id"`
	Version   int       `db:"version"`
	From      string    `db:"from_status"`
	To        string    `db:"to_status"`
	Cause     string    `db:"cause"`
	CreatedAt time.Time `db:"created_at"`
}

// PostgresStore keeps the order row, its append-only transition log and its
// outbox entries in one database so a single transaction covers all three.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("bookshop/order/postgres"),
	}
}

// EnsureSchema creates the order, history and outbox tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema+outbox.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, o Order, t Transition, entries ...outbox.Entry) error {
	ctx, span := s.tracer.Start(ctx, "orderstore.create",
		trace.WithAttributes(
			attribute.String("order.id", o.ID),
			attribute.Int("outbox.count", len(entries)),
		),
	)
	defer span.End()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, book_isbn, book_title, book_author, book_price, quantity, status, cause, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, o.ID, o.Book.ISBN, o.Book.Title, o.Book.Author, o.Book.Price, o.Quantity,
			string(o.Status), o.Cause, o.Version, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return appendTransition(ctx, tx, t, entries)
	})
}

// Update applies the optimistic check in the UPDATE itself; the unique
// (order_id, version) key on the history backs it up.
func (s *PostgresStore) Update(ctx context.Context, o Order, expectedVersion int, t Transition, entries ...outbox.Entry) error {
	ctx, span := s.tracer.Start(ctx, "orderstore.update",
		trace.WithAttributes(
			attribute.String("order.id", o.ID),
			attribute.Int("expected.version", expectedVersion),
			attribute.String("order.status", string(o.Status)),
		),
	)
	defer span.End()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1, cause = $2, version = $3, updated_at = $4
			WHERE id = $5 AND version = $6
		`, string(o.Status), o.Cause, o.Version, o.UpdatedAt, o.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: order %s not at version %d", ErrVersionConflict, o.ID, expectedVersion)
		}
		return appendTransition(ctx, tx, t, entries)
	})
	if errors.Is(err, ErrVersionConflict) {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
	}
	return err
}

func appendTransition(ctx context.Context, tx *sqlx.Tx, t Transition, entries []outbox.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (order_id, version, from_status, to_status, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.OrderID, t.Version, string(t.From), string(t.To), t.Cause, t.At)
	if err != nil {
		return fmt.Errorf("append transition %d: %w", t.Version, err)
	}
	for _, e := range entries {
		if _, err := outbox.Insert(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Order, error) {
	ctx, span := s.tracer.Start(ctx, "orderstore.get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, book_isbn, book_title, book_author, book_price, quantity, status, cause, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Order{}, classify(fmt.Errorf("get order %s: %w", id, err))
	}
	return row.order(), nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, book_isbn, book_title, book_author, book_price, quantity, status, cause, version, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list orders: %w", err))
	}
	orders := make([]Order, len(rows))
	for i, r := range rows {
		orders[i] = r.order()
	}
	return orders, nil
}

func (s *PostgresStore) History(ctx context.Context, id string) ([]Transition, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT order_id, version, from_status, to_status, cause, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, classify(fmt.Errorf("load history %s: %w", id, err))
	}
	history := make([]Transition, len(rows))
	for i, r := range rows {
		history[i] = Transition{
			OrderID: r.OrderID,
			Version: r.Version,
			From:    Status(r.From),
			To:      Status(r.To),
			Cause:   r.Cause,
			At:      r.CreatedAt.UTC(),
		}
	}
	return history, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify maps driver failures onto the store's error taxonomy. Unique
// violations and serialization failures mean another writer won the race.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001":
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
