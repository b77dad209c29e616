package config

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/djlord-it/tripqueue/internal/outcome"
	"github.com/djlord-it/tripqueue/internal/processor"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for tripqueue.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	StoreBackend string `env:"STORE_BACKEND" envDefault:"file"`
	QueuePath    string `env:"QUEUE_PATH" envDefault:"data/queue.json"`
	LedgerPath   string `env:"LEDGER_PATH" envDefault:"data/ledger.csv"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"data/tripqueue.db"`
	InboxDir     string `env:"INBOX_DIR"`

	RunnerURL     string        `env:"RUNNER_URL"`
	RunnerSecret  string        `env:"RUNNER_SECRET"`
	RunnerTimeout time.Duration `env:"RUNNER_TIMEOUT" envDefault:"5m"`

	// SessionTarget is the page a healthy session must be parked on. Empty skips the check.
	SessionTarget string `env:"SESSION_TARGET"`

	// SessionBreakerThreshold: consecutive failed logins before session
	// creation pauses for SessionBreakerCooldown. 0 disables the breaker.
	SessionBreakerThreshold int           `env:"SESSION_BREAKER_THRESHOLD" envDefault:"3"`
	SessionBreakerCooldown  time.Duration `env:"SESSION_BREAKER_COOLDOWN" envDefault:"15m"`

	// MaxAttempts: 0 disables the cap.
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`

	BackoffSuccess  time.Duration `env:"BACKOFF_SUCCESS" envDefault:"60s"`
	BackoffRejected time.Duration `env:"BACKOFF_REJECTED" envDefault:"30s"`
	BackoffCapacity time.Duration `env:"BACKOFF_CAPACITY" envDefault:"15m"`
	BackoffCorrupt  time.Duration `env:"BACKOFF_CORRUPT" envDefault:"0s"`
	BackoffUnknown  time.Duration `env:"BACKOFF_UNKNOWN" envDefault:"30s"`

	MaintenanceEnabled  bool   `env:"MAINTENANCE_ENABLED" envDefault:"true"`
	MaintenanceSchedule string `env:"MAINTENANCE_SCHEDULE" envDefault:"*/10 * * * *"`

	// StaleThreshold must exceed 2*RUNNER_TIMEOUT plus the session check timeout
	// or live jobs get recovered under the processor.
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" envDefault:"15m"`

	// LedgerRetention: ledger rows older than this move to the archive file
	// during maintenance. 0 keeps everything live. File backend only.
	LedgerRetention time.Duration `env:"LEDGER_RETENTION" envDefault:"720h"`

	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`
	StatusKeyPrefix string `env:"STATUS_KEY_PREFIX" envDefault:"tripqueue"`

	// LeaderLockKey: all instances sharing one queue must use the same key.
	LeaderLockKey       string        `env:"LEADER_LOCK_KEY" envDefault:"tripqueue:leader"`
	LeaderLockTTL       time.Duration `env:"LEADER_LOCK_TTL" envDefault:"15s"`
	LeaderRetryInterval time.Duration `env:"LEADER_RETRY_INTERVAL" envDefault:"5s"`

	HTTPAddr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	HTTPShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`

	EventBusBufferSize int           `env:"EVENTBUS_BUFFER_SIZE" envDefault:"100"`
	DrainTimeout       time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables with defaults.
// Malformed values (a non-numeric MAX_ATTEMPTS, an unparseable duration)
// are reported here; range checks are handled separately by Validate().
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Backoffs returns the per-outcome pauses.
func (c Config) Backoffs() outcome.Backoffs {
	return outcome.Backoffs{
		Success:  c.BackoffSuccess,
		Rejected: c.BackoffRejected,
		Capacity: c.BackoffCapacity,
		Corrupt:  c.BackoffCorrupt,
		Unknown:  c.BackoffUnknown,
	}
}

func (c Config) ProcessorConfig() processor.Config {
	return processor.Config{
		MaxAttempts:  c.MaxAttempts,
		PollInterval: c.PollInterval,
		Backoffs:     c.Backoffs(),
	}
}

// RedisEnabled reports whether status publishing and leader election are on.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreBackend        string `json:"store_backend"`
		QueuePath           string `json:"queue_path,omitempty"`
		LedgerPath          string `json:"ledger_path,omitempty"`
		SQLitePath          string `json:"sqlite_path,omitempty"`
		InboxDir            string `json:"inbox_dir,omitempty"`
		RunnerURL           string `json:"runner_url"`
		RunnerSecret        string `json:"runner_secret,omitempty"`
		RunnerTimeout       string `json:"runner_timeout"`
		SessionTarget       string `json:"session_target,omitempty"`
		BreakerThreshold    int    `json:"session_breaker_threshold"`
		BreakerCooldown     string `json:"session_breaker_cooldown"`
		MaxAttempts         int    `json:"max_attempts"`
		PollInterval        string `json:"poll_interval"`
		BackoffSuccess      string `json:"backoff_success"`
		BackoffRejected     string `json:"backoff_rejected"`
		BackoffCapacity     string `json:"backoff_capacity"`
		BackoffCorrupt      string `json:"backoff_corrupt"`
		BackoffUnknown      string `json:"backoff_unknown"`
		MaintenanceEnabled  bool   `json:"maintenance_enabled"`
		MaintenanceSchedule string `json:"maintenance_schedule"`
		StaleThreshold      string `json:"stale_threshold"`
		LedgerRetention     string `json:"ledger_retention"`
		RedisAddr           string `json:"redis_addr,omitempty"`
		RedisPassword       string `json:"redis_password,omitempty"`
		RedisDB             int    `json:"redis_db"`
		StatusKeyPrefix     string `json:"status_key_prefix"`
		LeaderLockKey       string `json:"leader_lock_key"`
		LeaderLockTTL       string `json:"leader_lock_ttl"`
		LeaderRetryInterval string `json:"leader_retry_interval"`
		HTTPAddr            string `json:"http_addr"`
		HTTPShutdownTimeout string `json:"http_shutdown_timeout"`
		MetricsEnabled      bool   `json:"metrics_enabled"`
		MetricsPath         string `json:"metrics_path"`
		EventBusBufferSize  int    `json:"eventbus_buffer_size"`
		DrainTimeout        string `json:"drain_timeout"`
	}{
		StoreBackend:        c.StoreBackend,
		InboxDir:            c.InboxDir,
		RunnerURL:           maskURL(c.RunnerURL),
		RunnerSecret:        maskSecret(c.RunnerSecret),
		RunnerTimeout:       c.RunnerTimeout.String(),
		SessionTarget:       c.SessionTarget,
		BreakerThreshold:    c.SessionBreakerThreshold,
		BreakerCooldown:     c.SessionBreakerCooldown.String(),
		MaxAttempts:         c.MaxAttempts,
		PollInterval:        c.PollInterval.String(),
		BackoffSuccess:      c.BackoffSuccess.String(),
		BackoffRejected:     c.BackoffRejected.String(),
		BackoffCapacity:     c.BackoffCapacity.String(),
		BackoffCorrupt:      c.BackoffCorrupt.String(),
		BackoffUnknown:      c.BackoffUnknown.String(),
		MaintenanceEnabled:  c.MaintenanceEnabled,
		MaintenanceSchedule: c.MaintenanceSchedule,
		StaleThreshold:      c.StaleThreshold.String(),
		LedgerRetention:     c.LedgerRetention.String(),
		RedisAddr:           c.RedisAddr,
		RedisPassword:       maskSecret(c.RedisPassword),
		RedisDB:             c.RedisDB,
		StatusKeyPrefix:     c.StatusKeyPrefix,
		LeaderLockKey:       c.LeaderLockKey,
		LeaderLockTTL:       c.LeaderLockTTL.String(),
		LeaderRetryInterval: c.LeaderRetryInterval.String(),
		HTTPAddr:            c.HTTPAddr,
		HTTPShutdownTimeout: c.HTTPShutdownTimeout.String(),
		MetricsEnabled:      c.MetricsEnabled,
		MetricsPath:         c.MetricsPath,
		EventBusBufferSize:  c.EventBusBufferSize,
		DrainTimeout:        c.DrainTimeout.String(),
	}
	// Only the active backend's paths are meaningful.
	if c.StoreBackend == BackendSQLite {
		masked.SQLitePath = c.SQLitePath
	} else {
		masked.QueuePath = c.QueuePath
		masked.LedgerPath = c.LedgerPath
	}
	return json.MarshalIndent(masked, "", "  ")
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskURL hides userinfo embedded in the runner URL.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
