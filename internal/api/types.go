package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/status"
)

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type StatsResponse struct {
	Queue     domain.QueueStats  `json:"queue"`
	Ledger    domain.LedgerStats `json:"ledger"`
	Session   string             `json:"session,omitempty"`
	Leader    *bool              `json:"leader,omitempty"`
	Processor *status.Snapshot   `json:"processor,omitempty"`
}

type ErrorRecordResponse struct {
	Category  string `json:"category"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

type JobResponse struct {
	ID            string                `json:"id"`
	BusinessKey   string                `json:"business_key"`
	State         string                `json:"state"`
	Attempts      int                   `json:"attempts"`
	EnqueuedAt    string                `json:"enqueued_at"`
	InFlightSince string                `json:"in_flight_since,omitempty"`
	ErrorHistory  []ErrorRecordResponse `json:"error_history"`
	Trip          domain.Trip           `json:"trip"`
}

type ListJobsResponse struct {
	Total int           `json:"total"`
	Jobs  []JobResponse `json:"jobs"`
}

type LedgerEntryResponse struct {
	Timestamp   string      `json:"timestamp"`
	BusinessKey string      `json:"business_key"`
	Outcome     string      `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	InvoiceUUID string      `json:"invoice_uuid,omitempty"`
	ERPTripID   string      `json:"erp_trip_id,omitempty"`
	Trip        domain.Trip `json:"trip"`
}

type ListFailuresResponse struct {
	Failures []LedgerEntryResponse `json:"failures"`
}

type PurgeResponse struct {
	Purged int `json:"purged"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toJobResponse(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		BusinessKey:  j.BusinessKey,
		State:        string(j.State),
		Attempts:     j.Attempts,
		EnqueuedAt:   formatTime(j.EnqueuedAt),
		ErrorHistory: make([]ErrorRecordResponse, len(j.ErrorHistory)),
		Trip:         j.Payload,
	}
	if j.InFlightSince != nil {
		resp.InFlightSince = formatTime(*j.InFlightSince)
	}
	for i, e := range j.ErrorHistory {
		resp.ErrorHistory[i] = ErrorRecordResponse{
			Category:  string(e.Category),
			Detail:    e.Detail,
			Timestamp: formatTime(e.Timestamp),
		}
	}
	return resp
}

func toLedgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		Timestamp:   formatTime(e.Timestamp),
		BusinessKey: e.BusinessKey,
		Outcome:     string(e.Outcome),
		Reason:      e.Reason,
		InvoiceUUID: e.InvoiceUUID,
		ERPTripID:   e.ERPTripID,
		Trip:        e.Trip,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
