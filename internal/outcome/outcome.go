// Package outcome labels execution results and maps each label to its
// recovery policy. Every result is assigned exactly one outcome before any
// state is touched; what happens next is a function of the outcome alone.
package outcome

import (
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/session"
)

// Signal is what the automation collaborator reports for one execution.
type Signal struct {
	Outcome     domain.Outcome `json:"outcome"`
	Detail      string         `json:"detail,omitempty"`
	Module      string         `json:"module,omitempty"` // automation step that produced the result
	ERPTripID   string         `json:"erp_trip_id,omitempty"`
	InvoiceUUID string         `json:"invoice_uuid,omitempty"`
}

// Result is a classified execution.
type Result struct {
	Outcome domain.Outcome
	Detail  string
	Signal  Signal
}

// Classify assigns exactly one outcome to an execution. An error always
// wins over the signal and is classified by its signature. An UNKNOWN_ERROR
// signal whose detail carries a known signature is refined; an unrecognized
// outcome is UNKNOWN_ERROR.
func Classify(sig Signal, err error) Result {
	if err != nil {
		return Result{Outcome: session.Classify(err), Detail: err.Error(), Signal: sig}
	}

	switch {
	case !sig.Outcome.Valid():
		detail := fmt.Sprintf("unrecognized outcome %q", sig.Outcome)
		if sig.Detail != "" {
			detail += ": " + sig.Detail
		}
		return Result{Outcome: domain.OutcomeUnknownError, Detail: detail, Signal: sig}
	case sig.Outcome == domain.OutcomeUnknownError && sig.Detail != "":
		return Result{Outcome: session.Classify(errors.New(sig.Detail)), Detail: sig.Detail, Signal: sig}
	}
	return Result{Outcome: sig.Outcome, Detail: sig.Detail, Signal: sig}
}

// QueueAction is what happens to the job.
type QueueAction int

const (
	QueueCompleteSuccess QueueAction = iota
	QueueCompleteFailure
	QueueRetry
)

func (a QueueAction) String() string {
	switch a {
	case QueueCompleteSuccess:
		return "complete_success"
	case QueueCompleteFailure:
		return "complete_failure"
	case QueueRetry:
		return "retry"
	}
	return "unknown"
}

// ResourceAction is what happens to the session.
type ResourceAction int

const (
	ResourceKeep ResourceAction = iota
	ResourceTeardown
	ResourceRevalidate // mark suspect; EnsureValid checks it before next use
)

func (a ResourceAction) String() string {
	switch a {
	case ResourceKeep:
		return "keep"
	case ResourceTeardown:
		return "teardown"
	case ResourceRevalidate:
		return "revalidate"
	}
	return "unknown"
}

// Policy is the recovery policy for one outcome.
type Policy struct {
	Queue    QueueAction
	Resource ResourceAction
	Backoff  time.Duration
}

// Backoffs holds the pause applied after each outcome.
type Backoffs struct {
	Success  time.Duration
	Rejected time.Duration
	Capacity time.Duration
	Corrupt  time.Duration
	Unknown  time.Duration
}

// DefaultBackoffs returns the production pauses.
func DefaultBackoffs() Backoffs {
	return Backoffs{
		Success:  60 * time.Second,
		Rejected: 30 * time.Second,
		Capacity: 15 * time.Minute,
		Corrupt:  0,
		Unknown:  30 * time.Second,
	}
}

// PolicyFor returns the policy for o. Outcomes outside the closed set get
// the UNKNOWN_ERROR policy.
func PolicyFor(o domain.Outcome, b Backoffs) Policy {
	switch o {
	case domain.OutcomeSuccess:
		return Policy{Queue: QueueCompleteSuccess, Resource: ResourceKeep, Backoff: b.Success}
	case domain.OutcomeBusinessRejected:
		return Policy{Queue: QueueCompleteFailure, Resource: ResourceKeep, Backoff: b.Rejected}
	case domain.OutcomeCapacityLimited:
		return Policy{Queue: QueueRetry, Resource: ResourceTeardown, Backoff: b.Capacity}
	case domain.OutcomeResourceCorrupt:
		return Policy{Queue: QueueRetry, Resource: ResourceTeardown, Backoff: b.Corrupt}
	case domain.OutcomeUnknownError:
		return Policy{Queue: QueueRetry, Resource: ResourceRevalidate, Backoff: b.Unknown}
	}
	return Policy{Queue: QueueRetry, Resource: ResourceRevalidate, Backoff: b.Unknown}
}
