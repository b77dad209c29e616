package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// Emitter publishes discovered trips.
type Emitter interface {
	Emit(ctx context.Context, event domain.TripDiscovered) error
}

// Sub-directories of the inbox that hold handled files.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// DirSource turns trip files dropped into an inbox directory into
// TripDiscovered events. Delivery is at-least-once: a file is moved away
// only after all of its trips were emitted.
type DirSource struct {
	dir     string
	emitter Emitter
	clock   func() time.Time
	rename  func(oldpath, newpath string) error

	mu sync.Mutex
	// stuck holds handled files whose move failed, keyed by name, with the
	// sub-directory they belong in. They are never read again; only the
	// move is retried.
	stuck map[string]string
}

func NewDirSource(dir string, emitter Emitter) (*DirSource, error) {
	for _, sub := range []string{"", ProcessedDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("ingest: create inbox: %w", err)
		}
	}
	return &DirSource{
		dir:     dir,
		emitter: emitter,
		clock:   time.Now,
		rename:  os.Rename,
		stuck:   make(map[string]string),
	}, nil
}

// Dir returns the inbox directory.
func (s *DirSource) Dir() string {
	return s.dir
}

// Poll emits the trips of every file currently in the inbox, oldest name
// first, and returns how many trips were emitted. A file that cannot be
// decoded is moved to rejected/. Emission stops at the first emit error and
// the remaining files stay in place for the next poll. Trips of a file that
// cannot be moved out of the inbox are not counted, and the file is not
// emitted again.
func (s *DirSource) Poll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("ingest: read inbox: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	emitted := 0
	for _, e := range entries {
		if e.IsDir() || !tripFile(e.Name()) {
			continue
		}
		seen[e.Name()] = true
		if err := ctx.Err(); err != nil {
			return emitted, err
		}

		path := filepath.Join(s.dir, e.Name())
		if sub, ok := s.stuck[e.Name()]; ok {
			if s.move(path, sub) == nil {
				delete(s.stuck, e.Name())
				log.Printf("ingest: file=%s moved to %s on retry", e.Name(), sub)
			}
			continue
		}

		trips, err := readTrips(path)
		if err != nil {
			log.Printf("ingest: file=%s rejected: %v", e.Name(), err)
			s.settle(path, RejectedDir)
			continue
		}

		now := s.clock().UTC()
		for i, t := range trips {
			ev := domain.TripDiscovered{Trip: t, Source: path, DiscoveredAt: now}
			if err := s.emitter.Emit(ctx, ev); err != nil {
				return emitted + i, fmt.Errorf("ingest: emit %s from %s: %w", t.BusinessKey(), e.Name(), err)
			}
		}
		log.Printf("ingest: file=%s trips=%d", e.Name(), len(trips))
		if s.settle(path, ProcessedDir) {
			emitted += len(trips)
		}
	}

	for name := range s.stuck {
		if !seen[name] {
			delete(s.stuck, name)
		}
	}
	return emitted, nil
}

// settle moves a handled file out of the inbox, or remembers it as stuck.
func (s *DirSource) settle(path, sub string) bool {
	if err := s.move(path, sub); err != nil {
		log.Printf("ingest: file=%s move to %s failed, skipping it until the move succeeds: %v", filepath.Base(path), sub, err)
		s.stuck[filepath.Base(path)] = sub
		return false
	}
	return true
}

func tripFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func readTrips(path string) ([]domain.Trip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeTrips(f)
}

// move never overwrites: a name clash gets a timestamp prefix.
func (s *DirSource) move(path, sub string) error {
	dst := filepath.Join(s.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(s.dir, sub, s.clock().UTC().Format("20060102T150405.000000000")+"-"+filepath.Base(path))
	}
	return s.rename(path, dst)
}
