package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/djlord-it/tripqueue/internal/api"
	"github.com/djlord-it/tripqueue/internal/config"
	"github.com/djlord-it/tripqueue/internal/ledger"
	"github.com/djlord-it/tripqueue/internal/metrics"
	"github.com/djlord-it/tripqueue/internal/processor"
	"github.com/djlord-it/tripqueue/internal/queue"
	"github.com/djlord-it/tripqueue/internal/reconciler"
	"github.com/djlord-it/tripqueue/internal/store/sqlite"
)

// ledgerStore is everything the binary needs from a ledger backend.
type ledgerStore interface {
	processor.Ledger
	api.Ledger
}

// backend pairs a queue with the ledger it deduplicates against.
type backend struct {
	queue  queue.Store
	ledger ledgerStore
	// archiver is nil when the ledger has no archive file (sqlite).
	archiver reconciler.Archiver
	close    func() error
}

func openBackend(cfg config.Config, sink *metrics.PrometheusSink) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			s = s.WithMetrics(sink)
		}
		return &backend{queue: s, ledger: s.Ledger(), close: s.Close}, nil

	case config.BackendFile:
		l, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		q, err := queue.Open(cfg.QueuePath, l)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			q = q.WithMetrics(sink)
		}
		return &backend{queue: q, ledger: l, archiver: l, close: func() error { return nil }}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Ping reads the queue statistics; it fails when the store is unreadable.
func (b *backend) Ping(ctx context.Context) error {
	_, err := b.queue.Statistics(ctx)
	return err
}

func (b *backend) Close() error {
	return b.close()
}
