package session

import (
	"context"
	"errors"
	"strings"

	"github.com/djlord-it/tripqueue/internal/domain"
)

var (
	// ErrCorrupt marks an error as meaning the session itself is unusable.
	ErrCorrupt = errors.New("session corrupt")

	// ErrCapacityLimited marks an error as the downstream system refusing a
	// new session because it is at its concurrent-user limit.
	ErrCapacityLimited = errors.New("downstream at user capacity")
)

// Signatures seen in errors raised by a dead or detached browser session.
var corruptSignatures = []string{
	"invalid session",
	"chrome not reachable",
	"no such window",
	"session deleted",
	"connection refused",
	"stacktrace",
	"gethandleverifier",
	"basethreadinitthunk",
	"devtools",
}

// Signatures of the ERP's concurrent-user limit message, in both languages
// it is shown in.
var capacitySignatures = []string{
	"limite de usuarios",
	"límite de usuarios",
	"user limit",
	"maximum users",
	"máximo de usuarios",
	"conexiones simultáneas",
	"conexiones simultaneas",
}

// Classify maps an error to RESOURCE_CORRUPT, CAPACITY_LIMITED or
// UNKNOWN_ERROR. Typed errors win over textual signatures.
func Classify(err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeUnknownError
	}

	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) && acqErr.Category != "" {
		return acqErr.Category
	}
	switch {
	case errors.Is(err, ErrCapacityLimited):
		return domain.OutcomeCapacityLimited
	case errors.Is(err, ErrCorrupt):
		return domain.OutcomeResourceCorrupt
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.OutcomeUnknownError
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range capacitySignatures {
		if strings.Contains(msg, sig) {
			return domain.OutcomeCapacityLimited
		}
	}
	for _, sig := range corruptSignatures {
		if strings.Contains(msg, sig) {
			return domain.OutcomeResourceCorrupt
		}
	}
	return domain.OutcomeUnknownError
}

// AcquisitionError is returned when a session could not be created.
type AcquisitionError struct {
	Category domain.Outcome
	Err      error
}

func (e *AcquisitionError) Error() string {
	return "acquire session (" + string(e.Category) + "): " + e.Err.Error()
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
