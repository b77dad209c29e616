package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

// parseState reads the optional ?state= filter of /jobs.
func parseState(r *http.Request) (domain.JobState, error) {
	raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state")))
	switch domain.JobState(raw) {
	case "":
		return "", nil
	case domain.JobStatePending, domain.JobStateInFlight:
		return domain.JobState(raw), nil
	}
	return "", fmt.Errorf("invalid state %q: must be PENDING or IN_FLIGHT", raw)
}
