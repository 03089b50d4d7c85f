package harvest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MergedFile is the well-known name of the final combined output.
const MergedFile = "all_symbols_latest.csv"

// BatchSink durably persists one page's records per batch and reads
// them back for resume and merge.
type BatchSink interface {
	// WriteBatch persists the records of one batch and reports how
	// many were written. Batches are written once and never mutated.
	WriteBatch(batch int, records []dtn.Record) (int, error)

	// ReadBatch loads a previously written batch.
	ReadBatch(batch int) ([]dtn.Record, error)

	// HasBatch reports whether a batch file exists on disk.
	HasBatch(batch int) bool

	// WriteMerged writes the final deduplicated dataset.
	WriteMerged(records []dtn.Record) error

	// Cleanup removes batch files 1..last after a successful run.
	Cleanup(last int) error
}

// CSVSink writes one CSV file per batch into an output directory.
type CSVSink struct {
	dir    string
	logger zerolog.Logger
}

// NewCSVSink creates the output directory if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &CSVSink{
		dir:    dir,
		logger: log.With().Str("component", "csv-sink").Logger(),
	}, nil
}

// Dir returns the sink's output directory.
func (s *CSVSink) Dir() string { return s.dir }

func (s *CSVSink) batchPath(batch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("batch_%d.csv", batch))
}

// WriteBatch persists one batch atomically. Records without a symbol
// are invalid at this boundary; they are dropped with a warning and do
// not count toward the persisted total.
func (s *CSVSink) WriteBatch(batch int, records []dtn.Record) (int, error) {
	valid := make([]dtn.Record, 0, len(records))
	for _, rec := range records {
		if rec.Symbol == "" {
			s.logger.Warn().
				Int("batch", batch).
				Msg("Dropping record without symbol")
			continue
		}
		valid = append(valid, rec)
	}

	if err := writeRecordsCSV(s.batchPath(batch), valid); err != nil {
		return 0, fmt.Errorf("write batch %d: %w", batch, err)
	}

	s.logger.Info().
		Int("batch", batch).
		Int("symbols", len(valid)).
		Str("file", s.batchPath(batch)).
		Msg("Saved batch")

	return len(valid), nil
}

// ReadBatch loads a batch file.
func (s *CSVSink) ReadBatch(batch int) ([]dtn.Record, error) {
	records, err := ReadCSV(s.batchPath(batch))
	if err != nil {
		return nil, fmt.Errorf("read batch %d: %w", batch, err)
	}
	return records, nil
}

// HasBatch reports whether the batch file exists.
func (s *CSVSink) HasBatch(batch int) bool {
	_, err := os.Stat(s.batchPath(batch))
	return err == nil
}

// WriteMerged writes the canonical combined output atomically.
func (s *CSVSink) WriteMerged(records []dtn.Record) error {
	path := filepath.Join(s.dir, MergedFile)
	if err := writeRecordsCSV(path, records); err != nil {
		return fmt.Errorf("write merged output: %w", err)
	}
	s.logger.Info().
		Int("symbols", len(records)).
		Str("file", path).
		Msg("Saved merged output")
	return nil
}

// Cleanup removes the per-batch files. Missing files are ignored.
func (s *CSVSink) Cleanup(last int) error {
	for n := 1; n <= last; n++ {
		if err := os.Remove(s.batchPath(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove batch %d: %w", n, err)
		}
	}
	s.logger.Info().Int("batches", last).Msg("Cleaned up batch files")
	return nil
}
