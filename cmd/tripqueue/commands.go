package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djlord-it/tripqueue/internal/config"
	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/ingest"
)

// openOffline loads the store settings and opens the backend for a
// one-shot subcommand. It returns a non-zero exit code on failure.
func openOffline() (*backend, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, exitInvalidConfig
	}
	if err := config.ValidateStore(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, exitInvalidConfig
	}

	be, err := openBackend(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return nil, exitRuntimeError
	}
	return be, exitSuccess
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runEnqueue(files []string) int {
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tripqueue enqueue <file>...")
		return exitRuntimeError
	}

	be, code := openOffline()
	if be == nil {
		return code
	}
	defer be.Close()

	ctx, cancel := signalContext()
	defer cancel()

	code = exitSuccess
	for _, path := range files {
		if err := enqueueFile(ctx, be, path, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			code = exitRuntimeError
		}
	}
	return code
}

func enqueueFile(ctx context.Context, be *backend, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	trips, err := ingest.DecodeTrips(f)
	if err != nil {
		return err
	}

	for _, trip := range trips {
		res, err := be.queue.Enqueue(ctx, trip)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", trip.BusinessKey(), err)
		}
		printEnqueueResult(out, trip, res)
	}
	return nil
}

func printEnqueueResult(out io.Writer, trip domain.Trip, res domain.EnqueueResult) {
	if res.Accepted {
		fmt.Fprintf(out, "accepted  %s job=%s\n", trip.BusinessKey(), res.JobID)
		return
	}
	fmt.Fprintf(out, "duplicate %s (already in %s)\n", trip.BusinessKey(), res.DuplicateOf)
}

type statsOutput struct {
	Queue  domain.QueueStats  `json:"queue"`
	Ledger domain.LedgerStats `json:"ledger"`
}

func runStats() int {
	be, code := openOffline()
	if be == nil {
		return code
	}
	defer be.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var out statsOutput
	var err error
	if out.Queue, err = be.queue.Statistics(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "queue statistics: %v\n", err)
		return exitRuntimeError
	}
	if out.Ledger, err = be.ledger.Statistics(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledger statistics: %v\n", err)
		return exitRuntimeError
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal stats: %v\n", err)
		return exitRuntimeError
	}
	fmt.Println(string(data))
	return exitSuccess
}

func runRecover() int {
	be, code := openOffline()
	if be == nil {
		return code
	}
	defer be.Close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := be.queue.RecoverStale(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("recovered %d stale jobs\n", n)
	return exitSuccess
}

func runPurgeZombies() int {
	be, code := openOffline()
	if be == nil {
		return code
	}
	defer be.Close()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := be.queue.PurgeZombies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge zombies: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("purged %d zombie jobs\n", n)
	return exitSuccess
}

func runArchive(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	retention, err := archiveRetention(args, cfg.LedgerRetention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: tripqueue archive [age]\n", err)
		return exitRuntimeError
	}

	be, code := openOffline()
	if be == nil {
		return code
	}
	defer be.Close()

	if be.archiver == nil {
		fmt.Fprintf(os.Stderr, "archive: not supported by the %s backend\n", cfg.StoreBackend)
		return exitRuntimeError
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := archiveLedger(ctx, be, retention, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("archived %d ledger entries older than %s\n", n, retention)
	return exitSuccess
}

// archiveRetention reads the optional age argument, falling back to the
// configured retention.
func archiveRetention(args []string, configured time.Duration) (time.Duration, error) {
	if len(args) > 1 {
		return 0, errors.New("too many arguments")
	}
	retention := configured
	if len(args) == 1 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return 0, fmt.Errorf("invalid age %q: %w", args[0], err)
		}
		retention = d
	}
	if retention <= 0 {
		return 0, fmt.Errorf("age must be positive, got %s", retention)
	}
	return retention, nil
}

func archiveLedger(ctx context.Context, be *backend, retention time.Duration, now time.Time) (int, error) {
	return be.archiver.Archive(ctx, now.Add(-retention))
}
