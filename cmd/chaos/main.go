// cmd/chaos/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookshop/internal/chaos"
	"bookshop/internal/clients"
	"bookshop/internal/config"
	"bookshop/internal/logging"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const gameDayISBN = "9780000000001"

// errHypothesisFailed is returned when at least one experiment did not hold.
var errHypothesisFailed = errors.New("game day hypothesis failed")

type gameDayOptions struct {
	stock int
	load  int
	pause time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := gameDayOptions{}
	cmd := &cobra.Command{
		Use:           "chaos",
		Short:         "run the saga game day against an in-process saga",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("chaos")
			if err != nil {
				return err
			}
			log := logging.New(cfg.Service.Name, cfg.Service.LogLevel)
			return runGameDay(cmd.Context(), log, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.stock, "stock", 3, "copies of the game day book in the catalog")
	cmd.Flags().IntVar(&opts.load, "load", 6, "orders placed by each experiment")
	cmd.Flags().DurationVar(&opts.pause, "pause", 500*time.Millisecond, "pause between experiments")
	return cmd
}

// runGameDay writes the results as JSON to out, then reports whether every
// hypothesis held.
func runGameDay(ctx context.Context, log *slog.Logger, opts gameDayOptions, out io.Writer) error {
	harness := chaos.DefaultHarnessOptions()
	harness.Books = []clients.Book{{
		ISBN:      gameDayISBN,
		Title:     "Game Day Handbook",
		Author:    "Bookshop SRE",
		Price:     decimal.RequireFromString("12.50"),
		Available: opts.stock,
	}}

	saga := chaos.NewSaga(log, harness)
	saga.Start(ctx)
	defer saga.Stop()

	engine := chaos.NewEngine(log, 20*time.Millisecond)
	engine.Register(chaos.SagaExperiments(saga, gameDayISBN, opts.load)...)

	results, runErr := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     opts.pause,
	})

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("game day interrupted: %w", runErr)
	}
	for _, r := range results {
		if !r.HypothesisHeld {
			return fmt.Errorf("%w: %s", errHypothesisFailed, r.ExperimentName)
		}
	}
	return nil
}
