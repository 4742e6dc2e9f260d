// internal/outbox/postgres.go
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NotifyChannel is signalled in the inserting transaction, so listeners only
// hear about committed entries.
const NotifyChannel = "outbox_inserted"

// Schema creates the outbox table. It is applied by the order store together
// with its own tables.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id            BIGSERIAL PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	aggregate_id  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	topic         TEXT NOT NULL,
	payload       JSONB NOT NULL,
	headers       JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_undispatched_idx ON outbox (id) WHERE dispatched_at IS NULL;
`

type entryRow struct {
	ID           int64        `db:"id"`
	EventID      string       `db:"event_id"`
	AggregateID  string       `db:"aggregate_id"`
	EventType    string       `db:"event_type"`
	Topic        string       `db:"topic"`
	Payload      []byte       `db:"payload"`
	Headers      []byte       `db:"headers"`
	CreatedAt    time.Time    `db:"created_at"`
	DispatchedAt sql.NullTime `db:"dispatched_at"`
}

// entry converts the row. Headers that do not decode are dropped and the error
// is returned with an otherwise complete entry, so one bad row cannot stall
// the relay.
func (r entryRow) entry() (Entry, error) {
	e := Entry{
		ID:          r.ID,
		EventID:     r.EventID,
		AggregateID: r.AggregateID,
		EventType:   r.EventType,
		Topic:       r.Topic,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time
		e.DispatchedAt = &t
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &e.Headers); err != nil {
			e.Headers = nil
			return e, fmt.Errorf("decode headers of outbox entry %d: %w", r.ID, err)
		}
	}
	return e, nil
}

// Insert writes e inside the caller's transaction and returns its id.
func Insert(ctx context.Context, tx sqlx.ExtContext, e Entry) (int64, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("encode outbox headers: %w", err)
	}

	var id int64
	err = sqlx.GetContext(ctx, tx, &id, `
		INSERT INTO outbox (event_id, aggregate_id, event_type, topic, payload, headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.EventID, e.AggregateID, e.EventType, e.Topic, string(e.Payload), string(headers), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert outbox entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, e.AggregateID); err != nil {
		return 0, fmt.Errorf("notify outbox listeners: %w", err)
	}
	return id, nil
}

// PostgresStore reads and marks outbox rows for the relay.
type PostgresStore struct {
	db     *sqlx.DB
	log    *slog.Logger
	tracer trace.Tracer
}

func NewPostgresStore(db *sqlx.DB, log *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, tracer: otel.Tracer("bookshop/outbox")}
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.pending", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, aggregate_id, event_type, topic, payload, headers, created_at, dispatched_at
		FROM outbox
		WHERE dispatched_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		e, err := r.entry()
		if err != nil {
			// the entry still goes out, only without its trace context
			span.RecordError(err)
			s.log.Warn("outbox entry has unreadable headers", "entry_id", r.ID, "event_id", r.EventID, "error", err)
		}
		entries[i] = e
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET dispatched_at = $2
		WHERE id = $1 AND dispatched_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox entry %d: %w", id, err)
	}
	return nil
}

// Backlog counts undispatched entries.
func (s *PostgresStore) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox WHERE dispatched_at IS NULL`); err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}

// AdvisoryLeader elects a single relay per database with a session-level
// advisory lock held on a dedicated connection.
type AdvisoryLeader struct {
	db  *sqlx.DB
	key int64
}

func NewAdvisoryLeader(db *sqlx.DB, key int64) *AdvisoryLeader {
	return &AdvisoryLeader{db: db, key: key}
}

func (l *AdvisoryLeader) TryLead(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
		conn.Close()
	}
	return release, true, nil
}

// Listen wakes the relay whenever a transaction that inserted an outbox row
// commits. The returned channel never closes; it simply stops firing after ctx ends.
func Listen(ctx context.Context, dsn string, log *slog.Logger) (<-chan struct{}, error) {
	listener := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("outbox listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return wake, nil
}
