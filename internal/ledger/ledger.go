// Package ledger implements the append-only execution ledger.
//
// Every terminal outcome is one CSV row. Rows are never edited in place;
// appends go to the end of the file and Archive only moves whole rows to a
// sibling archive file. The ledger is the deduplication oracle for
// admission: any row for a business key, of either outcome, in either file,
// means the trip has been handled.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// Header is the first row of every ledger file.
var Header = []string{
	"timestamp",
	"business_key",
	"outcome",
	"reason",
	"trip_date",
	"determinante",
	"tractor_plate",
	"trailer_plate",
	"amount",
	"client_code",
	"invoice_uuid",
	"erp_trip_id",
}

// CSVLedger is a file-backed ledger. It is safe for concurrent use within
// one process; external readers see whole rows only because each append is
// a single write followed by fsync.
type CSVLedger struct {
	mu      sync.Mutex
	path    string
	archive string
}

// Open prepares the ledger file at path, creating it with a header row if
// it does not exist. A torn final row from an interrupted write is cut off
// so the next append starts on a fresh line.
func Open(path string) (*CSVLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}

	l := &CSVLedger{path: path, archive: ArchivePath(path)}
	if err := prepare(l.path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(l.archive); err == nil {
		if err := prepare(l.archive); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *CSVLedger) Path() string {
	return l.path
}

// ArchivePath returns the archive file that belongs to the ledger at path:
// data/ledger.csv archives to data/ledger.archive.csv.
func ArchivePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".archive" + ext
}

// prepare creates path with a header row, or truncates it to the end of its
// last complete row.
func prepare(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ledger: stat: %w", err)
	}

	end, err := completeLength(f, info.Size())
	if err != nil {
		return err
	}
	if end < info.Size() {
		torn := make([]byte, info.Size()-end)
		_, _ = f.ReadAt(torn, end)
		log.Printf("ledger: path=%s torn final row dropped bytes=%d row=%q", path, len(torn), torn)
		if err := f.Truncate(end); err != nil {
			return fmt.Errorf("ledger: truncate torn row: %w", err)
		}
	}

	if end == 0 {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(Header)
		w.Flush()
		if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
			return fmt.Errorf("ledger: write header: %w", err)
		}
	} else if end == info.Size() {
		return nil
	}
	return f.Sync()
}

// completeLength returns the offset just past the last CSV record that is
// terminated by a newline. A quoted field may itself contain newlines, so
// the boundary comes from the CSV reader rather than from the last '\n'.
func completeLength(f *os.File, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("ledger: seek: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var end, prev int64
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return 0, fmt.Errorf("ledger: read: %w", err)
			}
			// An unterminated quote swallows the rest of the file: that is
			// the torn row. Any other bad row is whole and scan skips it.
			if errors.Is(perr.Err, csv.ErrQuote) && r.InputOffset() == size {
				continue
			}
		}
		prev, end = end, r.InputOffset()
	}

	if end == size {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return 0, fmt.Errorf("ledger: read tail: %w", err)
		}
		if last[0] != '\n' {
			end = prev
		}
	}
	return end, nil
}

// Append durably writes one entry at the end of the ledger.
func (l *CSVLedger) Append(ctx context.Context, entry domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.BusinessKey == "" {
		return errors.New("ledger: empty business key")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(encode(entry)); err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}
	w.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open for append: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ledger: sync: %w", err)
	}
	return f.Close()
}

// Exists reports whether any entry exists for key, in the live file or in
// the archive.
func (l *CSVLedger) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	match := func(e domain.LedgerEntry) bool {
		if e.BusinessKey == key {
			found = true
			return false
		}
		return true
	}
	// Archive writes the archive before replacing the live file, so this
	// order never misses a row that is being moved.
	if err := scanFile(ctx, l.path, match); err != nil || found {
		return found, err
	}
	err := scanFile(ctx, l.archive, match)
	return found, err
}

// Statistics aggregates the live entries. Failure reasons are bucketed by
// the text before the first ':' so that details do not explode the
// histogram.
func (l *CSVLedger) Statistics(ctx context.Context) (domain.LedgerStats, error) {
	stats := domain.LedgerStats{FailureReasons: make(map[string]int)}
	err := l.scan(ctx, func(e domain.LedgerEntry) bool {
		stats.Total++
		if stats.LastEntryAt == nil || e.Timestamp.After(*stats.LastEntryAt) {
			ts := e.Timestamp
			stats.LastEntryAt = &ts
		}
		switch e.Outcome {
		case domain.LedgerSuccess:
			stats.SuccessCount++
		case domain.LedgerFailure:
			stats.FailureCount++
			stats.FailureReasons[ReasonBucket(e.Reason)]++
		}
		return true
	})
	return stats, err
}

// Archive moves entries older than before into the archive file and
// replaces the live file with the remaining rows. Rows that do not parse
// stay live. It returns the number of rows moved.
//
// The archive is appended and synced before the live file is replaced. A
// crash in between leaves the moved rows in both files, which Exists and
// Statistics tolerate.
func (l *CSVLedger) Archive(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("ledger: read for archive: %w", err)
	}

	var keep, old bytes.Buffer
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	line, moved := 0, 0
	for {
		start := r.InputOffset()
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		raw := data[start:r.InputOffset()]

		dst := &keep
		if err == nil && !(line == 1 && len(rec) > 0 && rec[0] == Header[0]) {
			if e, derr := decode(rec); derr == nil && e.Timestamp.Before(before) {
				dst = &old
				moved++
			}
		}
		dst.Write(raw)
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			dst.WriteByte('\n')
		}
	}

	if moved == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := prepare(l.archive); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(l.archive, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("ledger: open archive: %w", err)
	}
	if _, err := f.Write(old.Bytes()); err != nil {
		f.Close()
		return 0, fmt.Errorf("ledger: write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("ledger: sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("ledger: close archive: %w", err)
	}

	if err := renameio.WriteFile(l.path, keep.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("ledger: rewrite live file: %w", err)
	}

	log.Printf("ledger: archived rows=%d before=%s archive=%s", moved, before.UTC().Format(time.RFC3339), l.archive)
	return moved, nil
}

// Entries returns every live entry in append order.
func (l *CSVLedger) Entries(ctx context.Context) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := l.scan(ctx, func(e domain.LedgerEntry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// Failures returns FAILURE entries newest first, paginated.
func (l *CSVLedger) Failures(ctx context.Context, limit, offset int) ([]domain.LedgerEntry, error) {
	var failures []domain.LedgerEntry
	err := l.scan(ctx, func(e domain.LedgerEntry) bool {
		if e.Outcome == domain.LedgerFailure {
			failures = append(failures, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return Page(failures, limit, offset), nil
}

// Page reverses entries (newest first) and applies limit/offset.
func Page(entries []domain.LedgerEntry, limit, offset int) []domain.LedgerEntry {
	sorted := make([]domain.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	if offset >= len(sorted) {
		return []domain.LedgerEntry{}
	}
	sorted = sorted[offset:]
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted
}

// ReasonBucket reduces a failure reason to its category label.
func ReasonBucket(reason string) string {
	reason = strings.TrimSpace(reason)
	if i := strings.Index(reason, ":"); i >= 0 {
		reason = strings.TrimSpace(reason[:i])
	}
	if reason == "" {
		return "unspecified"
	}
	return reason
}

// scan streams live entries to fn until fn returns false.
func (l *CSVLedger) scan(ctx context.Context, fn func(domain.LedgerEntry) bool) error {
	return scanFile(ctx, l.path, fn)
}

// scanFile streams the entries of one ledger file. A missing file is empty;
// malformed rows are logged and skipped.
func scanFile(ctx context.Context, path string, fn func(domain.LedgerEntry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ledger: open for read: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			log.Printf("ledger: path=%s line=%d unreadable row skipped: %v", path, line, err)
			continue
		}
		if line == 1 && len(rec) > 0 && rec[0] == Header[0] {
			continue
		}
		entry, err := decode(rec)
		if err != nil {
			log.Printf("ledger: path=%s line=%d malformed row skipped: %v", path, line, err)
			continue
		}
		if !fn(entry) {
			return nil
		}
	}
}

func encode(e domain.LedgerEntry) []string {
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.BusinessKey,
		string(e.Outcome),
		e.Reason,
		e.Trip.TripDate,
		e.Trip.Determinante,
		e.Trip.TractorPlate,
		e.Trip.TrailerPlate,
		e.Trip.Amount,
		e.Trip.ClientCode,
		e.InvoiceUUID,
		e.ERPTripID,
	}
}

func decode(rec []string) (domain.LedgerEntry, error) {
	// Rows written before the metadata columns existed carry only the
	// first four fields.
	if len(rec) < 4 {
		return domain.LedgerEntry{}, fmt.Errorf("expected at least 4 fields, got %d", len(rec))
	}
	field := func(i int) string {
		if i < len(rec) {
			return rec[i]
		}
		return ""
	}

	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("timestamp: %w", err)
	}
	if rec[1] == "" {
		return domain.LedgerEntry{}, errors.New("empty business key")
	}

	return domain.LedgerEntry{
		Timestamp:   ts,
		BusinessKey: rec[1],
		Outcome:     domain.LedgerOutcome(rec[2]),
		Reason:      rec[3],
		Trip: domain.Trip{
			Prefactura:   rec[1],
			TripDate:     field(4),
			Determinante: field(5),
			TractorPlate: field(6),
			TrailerPlate: field(7),
			Amount:       field(8),
			ClientCode:   field(9),
		},
		InvoiceUUID: field(10),
		ERPTripID:   field(11),
	}, nil
}
