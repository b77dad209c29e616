package domain

import "time"

// TripDiscovered is emitted by ingestion when a trip is found upstream.
// Delivery is at-least-once; admission deduplicates.
type TripDiscovered struct {
	Trip         Trip
	Source       string // where the trip came from (file path, message id)
	DiscoveredAt time.Time
}
