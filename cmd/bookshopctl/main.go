// cmd/bookshopctl/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bookshop/internal/broker"
	"bookshop/internal/config"
	"bookshop/internal/logging"
	"bookshop/internal/order"
	"bookshop/internal/outbox"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

type app struct {
	cfg config.Config
	log *slog.Logger
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "bookshopctl",
		Short:         "operate the bookshop order saga",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("bookshopctl")
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Service.Name, cfg.Service.LogLevel)
			return nil
		},
	}
	rootCmd.AddCommand(
		a.ordersCommand(),
		a.outboxCommand(),
		a.dlqCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) connect(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", a.cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) ordersCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "orders", Short: "inspect orders"}

	var history bool
	get := &cobra.Command{
		Use:   "get [order-id]",
		Short: "show an order and optionally its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			store := order.NewPostgresStore(db)
			o, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !history {
				return printJSON(o)
			}
			h, err := store.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"order": o, "history": h})
		},
	}
	get.Flags().BoolVar(&history, "history", false, "include the transition history")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "list the most recent orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			orders, err := order.NewPostgresStore(db).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(orders)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of orders")

	cmd.AddCommand(get, list)
	return cmd
}

func (a *app) outboxCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "inspect and drain the transactional outbox"}

	var limit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "show undispatched entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			store := outbox.NewPostgresStore(db, a.log)
			backlog, err := store.Backlog(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := store.Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}

			type row struct {
				ID          int64     `json:"id"`
				EventID     string    `json:"event_id"`
				AggregateID string    `json:"aggregate_id"`
				EventType   string    `json:"event_type"`
				Topic       string    `json:"topic"`
				CreatedAt   time.Time `json:"created_at"`
			}
			rows := make([]row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, row{e.ID, e.EventID, e.AggregateID, e.EventType, e.Topic, e.CreatedAt})
			}
			return printJSON(map[string]any{"backlog": backlog, "entries": rows})
		},
	}
	pending.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")

	flush := &cobra.Command{
		Use:   "flush",
		Short: "run one relay pass under the relay leader lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			b, err := broker.Open(a.cfg.Broker, a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			leader := outbox.NewAdvisoryLeader(db, a.cfg.Relay.LeaderLockKey)
			release, ok, err := leader.TryLead(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("another relay holds the leader lock")
			}
			defer release()

			relay := outbox.NewRelay(a.log, outbox.NewPostgresStore(db, a.log), b,
				outbox.WithBatchSize(a.cfg.Relay.BatchSize),
				outbox.WithConcurrency(a.cfg.Relay.Concurrency),
			)
			n, err := relay.Flush(cmd.Context())
			fmt.Printf("dispatched %d entries\n", n)
			return err
		},
	}

	cmd.AddCommand(pending, flush)
	return cmd
}

func (a *app) dlqCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "work with dead-letter topics"}

	var (
		group string
		wait  time.Duration
	)
	replay := &cobra.Command{
		Use:   "replay [topic]",
		Short: "republish dead letters of topic to the topic they failed on",
		Long: "Consumes the dead-letter topic of the given topic and republishes every message " +
			"to its original topic. Runs until interrupted or until --for elapses.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			if !strings.HasSuffix(topic, a.cfg.Broker.DeadLetterSuffix) {
				topic = a.cfg.Broker.DeadLetterTopic(topic)
			}

			b, err := broker.Open(a.cfg.Broker, a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx := cmd.Context()
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}

			replayer := broker.NewReplayer(a.log, broker.PolicyFrom(a.cfg.Retry), b, a.cfg.Broker.DeadLetterTopic)
			a.log.Info("replaying dead letters", "topic", topic, "group", group)
			err = b.Subscribe(ctx, topic, group, replayer.Handle)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	replay.Flags().StringVar(&group, "group", "bookshopctl-replay", "consumer group used to read the dead-letter topic")
	replay.Flags().DurationVar(&wait, "for", 30*time.Second, "stop after this long; 0 runs until interrupted")

	cmd.AddCommand(replay)
	return cmd
}
