package domain

// Outcome is the closed set of results an execution attempt can produce.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeBusinessRejected Outcome = "BUSINESS_REJECTED"
	OutcomeCapacityLimited  Outcome = "CAPACITY_LIMITED"
	OutcomeResourceCorrupt  Outcome = "RESOURCE_CORRUPT"
	OutcomeUnknownError     Outcome = "UNKNOWN_ERROR"
)

// Outcomes lists every outcome in declaration order.
var Outcomes = []Outcome{
	OutcomeSuccess,
	OutcomeBusinessRejected,
	OutcomeCapacityLimited,
	OutcomeResourceCorrupt,
	OutcomeUnknownError,
}

// Valid reports whether o is one of the declared outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeBusinessRejected, OutcomeCapacityLimited,
		OutcomeResourceCorrupt, OutcomeUnknownError:
		return true
	}
	return false
}

// Terminal reports whether o ends the job (removes it from the queue).
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeBusinessRejected
}
