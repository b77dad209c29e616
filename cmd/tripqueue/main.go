package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/tripqueue/internal/api"
	"github.com/djlord-it/tripqueue/internal/automation"
	"github.com/djlord-it/tripqueue/internal/circuitbreaker"
	"github.com/djlord-it/tripqueue/internal/config"
	"github.com/djlord-it/tripqueue/internal/cron"
	"github.com/djlord-it/tripqueue/internal/ingest"
	"github.com/djlord-it/tripqueue/internal/leaderelection"
	"github.com/djlord-it/tripqueue/internal/metrics"
	"github.com/djlord-it/tripqueue/internal/processor"
	"github.com/djlord-it/tripqueue/internal/reconciler"
	"github.com/djlord-it/tripqueue/internal/session"
	"github.com/djlord-it/tripqueue/internal/status"
	"github.com/djlord-it/tripqueue/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "enqueue":
		os.Exit(runEnqueue(os.Args[2:]))
	case "stats":
		os.Exit(runStats())
	case "recover":
		os.Exit(runRecover())
	case "purge-zombies":
		os.Exit(runPurgeZombies())
	case "archive":
		os.Exit(runArchive(os.Args[2:]))
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`tripqueue - durable trip queue for the invoicing robot

Usage:
  tripqueue <command> [args]

Commands:
  serve             Start the queue processor, ingestion and ops HTTP server
  enqueue <file>... Admit trips from YAML/JSON files
  stats             Print queue and ledger statistics as JSON
  recover           Return IN_FLIGHT jobs to PENDING (only while serve is down)
  purge-zombies     Remove queued jobs that already have a ledger entry
  archive [age]     Move ledger rows older than age (default LEDGER_RETENTION) to the archive
  validate          Validate configuration (no connections made)
  config            Print effective configuration as JSON (secrets masked)
  version           Print version information

Environment Variables:
  STORE_BACKEND             "file" or "sqlite" (default: "file")
  QUEUE_PATH                Queue document for the file backend (default: "data/queue.json")
  LEDGER_PATH               Ledger CSV for the file backend (default: "data/ledger.csv")
  SQLITE_PATH               Database for the sqlite backend (default: "data/tripqueue.db")
  INBOX_DIR                 Directory scanned for trip files when idle (optional)

  RUNNER_URL                Automation runner base URL (required for serve)
  RUNNER_SECRET             HMAC secret for runner requests (optional)
  RUNNER_TIMEOUT            Runner request timeout (default: "5m")
  SESSION_TARGET            Page a healthy session is parked on (optional)
  SESSION_BREAKER_THRESHOLD Failed logins before session creation pauses, 0 = off (default: "3")
  SESSION_BREAKER_COOLDOWN  How long session creation pauses (default: "15m")

  MAX_ATTEMPTS              Attempts before a job is failed, 0 = unlimited (default: "5")
  POLL_INTERVAL             Idle sleep between empty dequeues (default: "10s")
  BACKOFF_SUCCESS           Pause after a success (default: "60s")
  BACKOFF_REJECTED          Pause after a business rejection (default: "30s")
  BACKOFF_CAPACITY          Pause after hitting the session limit (default: "15m")
  BACKOFF_CORRUPT           Pause after a corrupt session (default: "0s")
  BACKOFF_UNKNOWN           Pause after an unknown error (default: "30s")

  MAINTENANCE_ENABLED       Enable periodic stale recovery and zombie purge (default: "true")
  MAINTENANCE_SCHEDULE      Cron expression for maintenance (default: "*/10 * * * *")
  STALE_THRESHOLD           IN_FLIGHT age before recovery (default: "15m")
  LEDGER_RETENTION          Ledger row age before archival, 0 = off (default: "720h")

  REDIS_ADDR                Redis address for status and leader lock (optional)
  REDIS_PASSWORD            Redis password (optional)
  REDIS_DB                  Redis database (default: "0")
  STATUS_KEY_PREFIX         Prefix for status keys (default: "tripqueue")
  LEADER_LOCK_KEY           Lock key shared by all instances (default: "tripqueue:leader")
  LEADER_LOCK_TTL           Lock TTL (default: "15s")
  LEADER_RETRY_INTERVAL     Follower retry interval (default: "5s")

  HTTP_ADDR                 HTTP server address (default: ":8080")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  EVENTBUS_BUFFER_SIZE      Ingestion event buffer (default: "100")
  DRAIN_TIMEOUT             Ingestion drain timeout on shutdown (default: "30s")`)
}

func runServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("tripqueue: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("tripqueue: METRICS_ENABLED not set; metrics disabled")
	}

	be, err := openBackend(cfg, metricsSink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntimeError
	}
	defer be.Close()

	runner := automation.NewClient(cfg.RunnerURL, cfg.RunnerSecret, cfg.RunnerTimeout)
	sess := session.New(runner, cfg.SessionTarget)
	if cfg.SessionBreakerThreshold > 0 {
		sess = sess.WithBreaker(circuitbreaker.New(cfg.SessionBreakerThreshold, cfg.SessionBreakerCooldown))
	}
	if metricsSink != nil {
		runner = runner.WithMetrics(metricsSink)
		sess = sess.WithMetrics(metricsSink)
	}

	// Ingestion: the processor polls the inbox when idle; the admitter
	// turns discovered trips into queue jobs.
	var bus *channel.EventBus
	var inbox *ingest.DirSource
	if cfg.InboxDir != "" {
		var busOpts []channel.Option
		if metricsSink != nil {
			busOpts = append(busOpts, channel.WithMetrics(metricsSink))
		}
		bus = channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

		inbox, err = ingest.NewDirSource(cfg.InboxDir, bus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open inbox: %v\n", err)
			return exitRuntimeError
		}
		log.Printf("tripqueue: ingestion enabled (inbox=%s, buffer=%d)", cfg.InboxDir, cfg.EventBusBufferSize)
	} else {
		log.Println("tripqueue: INBOX_DIR not set; trips are admitted with 'tripqueue enqueue' only")
	}

	// Wire status publishing and the leader lock if Redis is configured
	var redisClient *redis.Client
	var statusSink *status.RedisSink
	if cfg.RedisEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		statusSink = status.NewRedisSink(redisClient, cfg.StatusKeyPrefix)
		log.Printf("tripqueue: status publishing enabled (redis=%s, prefix=%s)", cfg.RedisAddr, cfg.StatusKeyPrefix)
	} else {
		log.Println("tripqueue: REDIS_ADDR not set; status publishing and leader lock disabled")
	}

	var recon *reconciler.Reconciler
	if cfg.MaintenanceEnabled {
		// Already checked by Validate.
		sched, err := cron.Parse(cfg.MaintenanceSchedule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return exitInvalidConfig
		}
		recon = reconciler.New(reconciler.Config{
			Schedule:       sched,
			StaleThreshold: cfg.StaleThreshold,
		}, be.queue)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		if be.archiver != nil {
			recon = recon.WithArchiver(be.archiver, cfg.LedgerRetention)
		}
		log.Printf("tripqueue: maintenance enabled (schedule=%q, stale=%s, ledger_retention=%s)", cfg.MaintenanceSchedule, cfg.StaleThreshold, cfg.LedgerRetention)
	} else {
		log.Println("tripqueue: MAINTENANCE_ENABLED=false; stale jobs are recovered only at startup")
	}

	newProcessor := func() *processor.Processor {
		p := processor.New(cfg.ProcessorConfig(), be.queue, be.ledger, sess, runner)
		if inbox != nil {
			p = p.WithPoller(inbox)
		}
		if statusSink != nil {
			p = p.WithEvents(statusSink)
		}
		if metricsSink != nil {
			p = p.WithMetrics(metricsSink)
		}
		return p
	}
	work := &leaderDuties{newProcessor: newProcessor, reconciler: recon}

	var admitWg sync.WaitGroup
	admitCtx, cancelAdmit := context.WithCancel(context.Background())
	if bus != nil {
		admitter := ingest.NewAdmitter(be.queue).WithDrainTimeout(cfg.DrainTimeout)
		if metricsSink != nil {
			admitter = admitter.WithMetrics(metricsSink)
		}
		admitWg.Add(1)
		go func() {
			defer admitWg.Done()
			admitter.Run(admitCtx, bus.Channel())
		}()
	}

	// Only one instance may drive the runner session.
	var elector *leaderelection.Elector
	var electionWg sync.WaitGroup
	electionCtx, cancelElection := context.WithCancel(context.Background())
	if redisClient != nil {
		elector = leaderelection.New(redisClient, cfg.LeaderLockKey, cfg.LeaderLockTTL, cfg.LeaderRetryInterval,
			work.Start, work.Stop)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		electionWg.Add(1)
		go func() {
			defer electionWg.Done()
			elector.Run(electionCtx)
		}()
	} else {
		work.Start(electionCtx)
	}

	apiHandler := api.NewHandler(be.queue, be.ledger).
		WithSession(sess).
		WithHealthCheck("store", be.Ping)
	if statusSink != nil {
		apiHandler = apiHandler.WithStatus(statusSink)
	}
	if elector != nil {
		apiHandler = apiHandler.WithLeader(elector)
	}
	if redisClient != nil {
		apiHandler = apiHandler.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("tripqueue: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("tripqueue: http server error: %v", err)
		}
	}()

	log.Printf("tripqueue: started (store=%s, runner=%s, http=%s)", cfg.StoreBackend, cfg.RunnerURL, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("tripqueue: received signal %v, shutting down", received)

	// Phase 1: Stop the processor (current job finishes, session torn down)
	log.Println("tripqueue: stopping processor...")
	cancelElection()
	electionWg.Wait()
	work.Stop()
	log.Println("tripqueue: processor stopped")

	// Phase 2: Stop the admitter (drains buffered trips into the queue)
	if bus != nil {
		log.Println("tripqueue: stopping admitter (draining events)...")
		cancelAdmit()
		admitWg.Wait()
		bus.Close()
		log.Println("tripqueue: admitter stopped")
	} else {
		cancelAdmit()
	}

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("tripqueue: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("tripqueue: http server shutdown error: %v", err)
	}
	log.Println("tripqueue: http server stopped")

	log.Println("tripqueue: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("tripqueue version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
