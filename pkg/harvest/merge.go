package harvest

import (
	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
	"github.com/rs/zerolog/log"
)

// Merge concatenates batches 1..last in batch-number order and drops
// records with duplicate symbols, first occurrence wins, preserving
// order. Batches are streamed one file at a time; memory is bounded by
// the unique result set. Missing batch files are skipped with a
// warning so a merge over a partially cleaned directory still works.
func Merge(sink BatchSink, last int) (records []dtn.Record, duplicates int, err error) {
	seen := make(map[string]struct{})

	for n := 1; n <= last; n++ {
		if !sink.HasBatch(n) {
			log.Warn().Int("batch", n).Msg("Batch file missing, skipping in merge")
			continue
		}

		batch, err := sink.ReadBatch(n)
		if err != nil {
			return nil, 0, err
		}
		for _, rec := range batch {
			if _, dup := seen[rec.Symbol]; dup {
				duplicates++
				continue
			}
			seen[rec.Symbol] = struct{}{}
			records = append(records, rec)
		}
	}

	if duplicates > 0 {
		log.Info().
			Int("duplicates_removed", duplicates).
			Int("unique_symbols", len(records)).
			Msg("Removed duplicate symbols")
	}
	return records, duplicates, nil
}
