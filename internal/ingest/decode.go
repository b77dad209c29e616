package ingest

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// ErrNoTrips is returned for a document stream that holds no trips.
var ErrNoTrips = errors.New("ingest: no trips in document")

// DecodeTrips reads one or more trips from r. Each YAML document is either a
// single trip or a sequence of trips; JSON input is accepted as YAML. Every
// trip must carry a business key.
func DecodeTrips(r io.Reader) ([]domain.Trip, error) {
	dec := yaml.NewDecoder(r)

	var trips []domain.Trip
	for doc := 0; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("ingest: document %d: %w", doc, err)
		}
		if len(node.Content) == 0 || node.Content[0].Tag == "!!null" {
			continue
		}

		var batch []domain.Trip
		switch node.Content[0].Kind {
		case yaml.SequenceNode:
			if err := node.Decode(&batch); err != nil {
				return nil, fmt.Errorf("ingest: document %d: %w", doc, err)
			}
		default:
			var t domain.Trip
			if err := node.Decode(&t); err != nil {
				return nil, fmt.Errorf("ingest: document %d: %w", doc, err)
			}
			batch = []domain.Trip{t}
		}

		for i := range batch {
			batch[i].Prefactura = strings.TrimSpace(batch[i].Prefactura)
			if batch[i].BusinessKey() == "" {
				return nil, fmt.Errorf("ingest: document %d trip %d: missing prefactura", doc, i)
			}
		}
		trips = append(trips, batch...)
	}

	if len(trips) == 0 {
		return nil, ErrNoTrips
	}
	return trips, nil
}
