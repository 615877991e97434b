// Command stationctl inspects and maintains the station's queue database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pm25-station/internal/config"
	"pm25-station/internal/db"
	"pm25-station/internal/logging"
	"pm25-station/internal/migrate"
	"pm25-station/internal/queue"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: stationctl <command> [flags]
  migrate             apply pending schema migrations
  stats               show pending and sent record counts
  prune -older-than   delete sent records older than a duration (default 720h)
  validate            load the environment and station file and report errors
`)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	logger := logging.NewWithWriter(stderr, cfg, version, "stationctl")

	cmd := args[0]
	switch cmd {
	case "migrate":
		err = migrateCommand(ctx, cfg, logger, stdout)
	case "stats":
		err = statsCommand(ctx, cfg, logger, stdout)
	case "prune":
		err = pruneCommand(ctx, cfg, logger, args[1:], stdout, stderr)
	case "validate":
		fmt.Fprintf(stdout, "config ok: device %s, sink %s, %d relays\n",
			cfg.DeviceID, cfg.Sink, len(cfg.Station.Relays.Pins))
	case "help", "-h", "--help":
		usage(stdout)
	default:
		usage(stderr)
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func migrateCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) error {
	conn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "err", closeErr)
		}
	}()

	pending, err := migrate.Pending(ctx, conn)
	if err != nil {
		return err
	}
	if err := migrate.Run(ctx, conn, logger); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "migrations applied: %d\n", len(pending))
	return nil
}

func statsCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) error {
	store, err := queue.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pending: %d\nsent: %d\n", st.Pending, st.Sent)
	if st.Quarantined > 0 {
		fmt.Fprintf(stdout, "quarantined: %d\n", st.Quarantined)
	}
	if !st.OldestPending.IsZero() {
		fmt.Fprintf(stdout, "oldest pending: %s\n", st.OldestPending.In(cfg.Location).Format(time.RFC3339))
	}
	return nil
}

func pruneCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	olderThan := fs.Duration("older-than", 720*time.Hour, "delete sent records whose sent time is older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan < 0 {
		return fmt.Errorf("-older-than must not be negative")
	}

	store, err := queue.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pruned: %d\n", n)
	return nil
}
