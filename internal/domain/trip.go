package domain

// Trip is the immutable snapshot of trip data a job needs to execute.
// Prefactura (the pre-invoice number) is the business key.
type Trip struct {
	Prefactura   string            `json:"prefactura" yaml:"prefactura"`
	TripDate     string            `json:"trip_date" yaml:"trip_date"`
	TractorPlate string            `json:"tractor_plate" yaml:"tractor_plate"`
	TrailerPlate string            `json:"trailer_plate" yaml:"trailer_plate"`
	Determinante string            `json:"determinante" yaml:"determinante"`
	Amount       string            `json:"amount" yaml:"amount"`
	ClientCode   string            `json:"client_code,omitempty" yaml:"client_code"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// BusinessKey returns the deduplication key of the trip.
func (t Trip) BusinessKey() string {
	return t.Prefactura
}
