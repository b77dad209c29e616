// Package api serves the read-mostly operations surface: health, queue and
// ledger statistics, the queue snapshot, failures awaiting manual review,
// and an on-demand zombie purge.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/session"
	"github.com/djlord-it/tripqueue/internal/status"
)

type Queue interface {
	Statistics(ctx context.Context) (domain.QueueStats, error)
	List(ctx context.Context) ([]domain.Job, error)
	PurgeZombies(ctx context.Context) (int, error)
}

type Ledger interface {
	Statistics(ctx context.Context) (domain.LedgerStats, error)
	Failures(ctx context.Context, limit, offset int) ([]domain.LedgerEntry, error)
}

// SessionReporter exposes the resource lifecycle state.
type SessionReporter interface {
	State() session.State
}

// StatusReader returns the processor state published by the status sink.
type StatusReader interface {
	Snapshot(ctx context.Context) (status.Snapshot, error)
}

// LeaderReporter tells whether this instance runs the processor.
type LeaderReporter interface {
	IsLeader() bool
}

// HealthChecker reports the health of one dependency.
type HealthChecker func(ctx context.Context) error

type Handler struct {
	queue   Queue
	ledger  Ledger
	session SessionReporter // optional
	status  StatusReader    // optional
	leader  LeaderReporter  // optional
	checks  map[string]HealthChecker
	router  chi.Router
}

func NewHandler(queue Queue, ledger Ledger) *Handler {
	h := &Handler{
		queue:  queue,
		ledger: ledger,
		checks: make(map[string]HealthChecker),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{key}", h.getJob)
	r.Get("/ledger/failures", h.listFailures)
	r.Post("/maintenance/purge-zombies", h.purgeZombies)

	h.router = r
	return h
}

func (h *Handler) WithSession(s SessionReporter) *Handler {
	h.session = s
	return h
}

func (h *Handler) WithStatus(s StatusReader) *Handler {
	h.status = s
	return h
}

func (h *Handler) WithLeader(l LeaderReporter) *Handler {
	h.leader = l
	return h
}

// WithHealthCheck adds a named dependency to verbose /health responses.
func (h *Handler) WithHealthCheck(name string, check HealthChecker) *Handler {
	h.checks[name] = check
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.queue.Statistics(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["queue"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["queue"] = "healthy"
	}

	if _, err := h.ledger.Statistics(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["ledger"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["ledger"] = "healthy"
	}

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	if h.session != nil {
		resp.Components["session"] = string(h.session.State())
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	qs, err := h.queue.Statistics(r.Context())
	if err != nil {
		log.Printf("api: queue stats error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	ls, err := h.ledger.Statistics(r.Context())
	if err != nil {
		log.Printf("api: ledger stats error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}

	resp := StatsResponse{Queue: qs, Ledger: ls}
	if h.session != nil {
		resp.Session = string(h.session.State())
	}
	if h.leader != nil {
		leader := h.leader.IsLeader()
		resp.Leader = &leader
	}
	if h.status != nil {
		// Status lives in Redis; its absence does not fail the request.
		if snap, err := h.status.Snapshot(r.Context()); err != nil {
			log.Printf("api: status snapshot error: %v", err)
		} else {
			resp.Processor = &snap
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.queue.List(r.Context())
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	filtered := jobs[:0:0]
	for _, j := range jobs {
		if state == "" || j.State == state {
			filtered = append(filtered, j)
		}
	}
	page := paginate(filtered, limit, offset)

	resp := ListJobsResponse{Total: len(filtered), Jobs: make([]JobResponse, len(page))}
	for i, j := range page {
		resp.Jobs[i] = toJobResponse(j)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	jobs, err := h.queue.List(r.Context())
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	for _, j := range jobs {
		if j.BusinessKey == key {
			writeJSON(w, http.StatusOK, toJobResponse(j))
			return
		}
	}
	writeError(w, http.StatusNotFound, "job not found")
}

func (h *Handler) listFailures(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.ledger.Failures(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list failures error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}

	resp := ListFailuresResponse{Failures: make([]LedgerEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Failures[i] = toLedgerEntryResponse(e)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) purgeZombies(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.PurgeZombies(r.Context())
	if err != nil {
		log.Printf("api: purge zombies error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to purge zombies")
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
