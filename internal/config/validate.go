package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/djlord-it/tripqueue/internal/cron"
	"github.com/djlord-it/tripqueue/internal/session"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

type durationField struct {
	field string
	value time.Duration
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	errs = append(errs, storeErrors(cfg)...)

	if cfg.RunnerURL == "" {
		add("RUNNER_URL", "required")
	} else if u, err := url.Parse(cfg.RunnerURL); err != nil {
		add("RUNNER_URL", "invalid url: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("RUNNER_URL", "scheme must be http or https, got %q", u.Scheme)
	} else if u.Host == "" {
		add("RUNNER_URL", "missing host")
	}

	if cfg.MaxAttempts < 0 {
		add("MAX_ATTEMPTS", "must be >= 0 (0 disables the cap)")
	}

	if cfg.SessionBreakerThreshold < 0 {
		add("SESSION_BREAKER_THRESHOLD", "must be >= 0 (0 disables the breaker)")
	}

	positive := []durationField{
		{"RUNNER_TIMEOUT", cfg.RunnerTimeout},
		{"POLL_INTERVAL", cfg.PollInterval},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout},
		{"DRAIN_TIMEOUT", cfg.DrainTimeout},
	}
	if cfg.SessionBreakerThreshold > 0 {
		positive = append(positive, durationField{"SESSION_BREAKER_COOLDOWN", cfg.SessionBreakerCooldown})
	}
	if cfg.MaintenanceEnabled {
		positive = append(positive, durationField{"STALE_THRESHOLD", cfg.StaleThreshold})
	}
	if cfg.RedisEnabled() {
		positive = append(positive,
			durationField{"LEADER_LOCK_TTL", cfg.LeaderLockTTL},
			durationField{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval},
		)
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}

	backoffs := []durationField{
		{"BACKOFF_SUCCESS", cfg.BackoffSuccess},
		{"BACKOFF_REJECTED", cfg.BackoffRejected},
		{"BACKOFF_CAPACITY", cfg.BackoffCapacity},
		{"BACKOFF_CORRUPT", cfg.BackoffCorrupt},
		{"BACKOFF_UNKNOWN", cfg.BackoffUnknown},
	}
	for _, b := range backoffs {
		if b.value < 0 {
			add(b.field, "must not be negative")
		}
	}

	if cfg.LedgerRetention < 0 {
		add("LEDGER_RETENTION", "must not be negative")
	}

	if cfg.MaintenanceEnabled {
		if _, err := cron.Parse(cfg.MaintenanceSchedule); err != nil {
			add("MAINTENANCE_SCHEDULE", "%v", err)
		}
		// One attempt can spend a session check plus the runner call, and
		// the runner call may follow a re-login taking as long again.
		floor := 2*cfg.RunnerTimeout + session.DefaultProbeTimeout
		if cfg.StaleThreshold > 0 && cfg.StaleThreshold <= floor {
			add("STALE_THRESHOLD", "must exceed twice RUNNER_TIMEOUT plus the session check timeout (%s)", floor)
		}
	}

	if cfg.EventBusBufferSize <= 0 {
		add("EVENTBUS_BUFFER_SIZE", "must be a positive integer")
	}

	if cfg.RedisEnabled() && cfg.LeaderLockKey == "" {
		add("LEADER_LOCK_KEY", "required when REDIS_ADDR is set")
	}

	if cfg.MetricsEnabled && (cfg.MetricsPath == "" || cfg.MetricsPath[0] != '/') {
		add("METRICS_PATH", "must start with '/'")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateStore checks only the storage settings. Offline subcommands that
// never reach the runner use it instead of Validate.
func ValidateStore(cfg Config) error {
	if errs := storeErrors(cfg); len(errs) > 0 {
		return errs
	}
	return nil
}

func storeErrors(cfg Config) ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreBackend {
	case BackendFile:
		if cfg.QueuePath == "" {
			add("QUEUE_PATH", "required when STORE_BACKEND=file")
		}
		if cfg.LedgerPath == "" {
			add("LEDGER_PATH", "required when STORE_BACKEND=file")
		}
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when STORE_BACKEND=sqlite")
		}
	default:
		add("STORE_BACKEND", "must be 'file' or 'sqlite', got %q", cfg.StoreBackend)
	}
	return errs
}
