package main

import (
	"log"

	"github.com/djlord-it/tripqueue/internal/config"
)

// logConfigWarnings flags configurations that are valid but risky in production.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.MaintenanceEnabled {
		log.Println("tripqueue: WARNING [P0]: MAINTENANCE_ENABLED=false. A job stuck IN_FLIGHT after a runner hang stays there until the next restart.")
	}

	if !cfg.RedisEnabled() {
		log.Println("tripqueue: WARNING [P0]: REDIS_ADDR not set. There is no leader lock; run exactly one serve instance per queue.")
	}

	if cfg.MaxAttempts == 0 {
		log.Println("tripqueue: WARNING [P1]: MAX_ATTEMPTS=0. Retryable failures are retried forever and never reach the ledger.")
	}

	if !cfg.MetricsEnabled {
		log.Println("tripqueue: WARNING [P1]: METRICS_ENABLED=false. Retries and session churn are invisible.")
	}

	if cfg.BackoffCapacity > 0 && cfg.BackoffCapacity < cfg.PollInterval {
		log.Printf("tripqueue: WARNING [P2]: BACKOFF_CAPACITY=%s is shorter than POLL_INTERVAL=%s. The runner may keep refusing sessions.",
			cfg.BackoffCapacity, cfg.PollInterval)
	}

	if cfg.RunnerSecret == "" {
		log.Println("tripqueue: INFO: RUNNER_SECRET not set; runner requests are unsigned.")
	}

	if cfg.StoreBackend == config.BackendFile {
		log.Println("tripqueue: INFO: STORE_BACKEND=file. Queue and ledger are separate files; a crash between ledger append and queue removal leaves a zombie that maintenance purges.")
	}
}
