// Package harvest implements the resumable page-by-page download loop:
// checkpointed pagination, consecutive-failure escalation, batch
// persistence, and the final merge/dedup/partition step.
//
// One engine instance owns its output directory. Running two engines
// against the same directory concurrently is undefined behavior; the
// caller is responsible for not doing that.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrTooManyFailures is returned when the consecutive-failure
// threshold is crossed and the harvest stops in a resumable state.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// PageFetcher fetches one page for a cursor. *dtn.Fetcher implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor *string) (*dtn.Page, error)
}

// Config holds the engine configuration.
type Config struct {
	// Delay between page fetches. Applied before every fetch except
	// the first one of this process.
	Delay time.Duration

	// ResumeFrom is the batch number to resume at; 0 or 1 starts
	// fresh.
	ResumeFrom int

	// MaxConsecutiveFailures aborts the harvest when this many whole
	// pages fail in a row (default 3).
	MaxConsecutiveFailures int

	// FailureBackoff is the wait unit after a whole-page failure; the
	// actual wait is FailureBackoff * failure count (default 30s).
	FailureBackoff time.Duration

	// MaxBatches is the hard safety ceiling guaranteeing termination
	// under protocol anomalies (default 1000).
	MaxBatches int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Delay:                  2 * time.Second,
		MaxConsecutiveFailures: 3,
		FailureBackoff:         30 * time.Second,
		MaxBatches:             1000,
	}
}

// Result is the outcome of a harvest run.
type Result struct {
	// Records is the merged, deduplicated dataset. Empty unless the
	// run completed.
	Records []dtn.Record

	// Batches is the number of the last fully persisted batch,
	// including batches from earlier resumed runs.
	Batches int

	// TotalSymbols counts persisted records before deduplication.
	TotalSymbols int

	// TotalReported is the backend's total from the first page.
	TotalReported int

	// DuplicatesRemoved is how many duplicate symbols the merge
	// dropped.
	DuplicatesRemoved int

	// Resumable is true when the run stopped early but left the
	// checkpoint and batches intact; restart with ResumeFrom.
	Resumable  bool
	ResumeFrom int
}

// Engine orchestrates the strictly sequential page loop. Each page's
// cursor depends on the previous response, so there is nothing to
// parallelize.
type Engine struct {
	fetcher PageFetcher
	sink    BatchSink
	store   *CheckpointStore
	cfg     Config
	logger  zerolog.Logger
}

// New creates a harvest engine.
func New(fetcher PageFetcher, sink BatchSink, store *CheckpointStore, cfg Config) *Engine {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.FailureBackoff < 0 {
		cfg.FailureBackoff = 30 * time.Second
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 1000
	}
	if cfg.ResumeFrom < 1 {
		cfg.ResumeFrom = 1
	}

	return &Engine{
		fetcher: fetcher,
		sink:    sink,
		store:   store,
		cfg:     cfg,
		logger:  log.With().Str("component", "harvest-engine").Logger(),
	}
}

// Run executes the harvest until completion, abort, or cancellation.
// On any early stop the checkpoint and batch files stay on disk and
// the returned Result carries Resumable plus the batch number a later
// invocation should pass as ResumeFrom.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	batch := e.cfg.ResumeFrom
	lastCompleted := batch - 1

	var nextKey *string
	totalSymbols := 0
	totalReported := 0

	if batch > 1 {
		nextKey, totalSymbols, totalReported = e.restore(batch)
	}

	consecutive := 0
	firstFetch := true
	start := time.Now()

	for {
		if ctx.Err() != nil {
			return e.resumable(lastCompleted, totalSymbols, totalReported), fmt.Errorf("harvest cancelled: %w", ctx.Err())
		}

		if !firstFetch {
			if err := waitFor(ctx, e.cfg.Delay); err != nil {
				return e.resumable(lastCompleted, totalSymbols, totalReported), fmt.Errorf("harvest cancelled: %w", err)
			}
		}
		firstFetch = false

		batchStart := time.Now()
		e.logger.Info().Int("batch", batch).Msg("Downloading batch")

		page, err := e.fetcher.FetchPage(ctx, nextKey)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, dtn.ErrContextCancelled) {
				return e.resumable(lastCompleted, totalSymbols, totalReported), fmt.Errorf("harvest cancelled: %w", err)
			}

			consecutive++
			harvestConsecutiveFailures.Set(float64(consecutive))
			e.logger.Error().
				Err(err).
				Int("batch", batch).
				Int("consecutive_failures", consecutive).
				Msg("Failed to fetch batch")

			if consecutive >= e.cfg.MaxConsecutiveFailures {
				harvestAbortsTotal.Inc()
				e.logger.Error().
					Int("consecutive_failures", consecutive).
					Int("resume_from", lastCompleted+1).
					Msg("Too many consecutive failures, stopping harvest")
				return e.resumable(lastCompleted, totalSymbols, totalReported),
					fmt.Errorf("%w (%d in a row): %v", ErrTooManyFailures, consecutive, err)
			}

			// Re-attempt the same cursor after an escalating wait.
			backoff := e.cfg.FailureBackoff * time.Duration(consecutive)
			e.logger.Info().
				Dur("backoff", backoff).
				Msg("Waiting before retrying batch")
			if werr := waitFor(ctx, backoff); werr != nil {
				return e.resumable(lastCompleted, totalSymbols, totalReported), fmt.Errorf("harvest cancelled: %w", werr)
			}
			continue
		}

		consecutive = 0
		harvestConsecutiveFailures.Set(0)

		// Only the first page's total is authoritative.
		if batch == 1 && page.TotalFound > 0 {
			totalReported = page.TotalFound
			e.logger.Info().Int("total_reported", totalReported).Msg("Total symbols available")
		}

		if len(page.Records) == 0 {
			e.logger.Info().Msg("No symbols returned, reached end of data")
			break
		}

		written, err := e.sink.WriteBatch(batch, page.Records)
		if err != nil {
			// Never advance the checkpoint past an unwritten batch.
			return e.resumable(lastCompleted, totalSymbols, totalReported),
				fmt.Errorf("persist batch %d: %w", batch, err)
		}
		totalSymbols += written
		harvestBatchesTotal.Inc()
		harvestSymbolsTotal.Add(float64(written))

		cp := &Checkpoint{
			NextBatch:     batch + 1,
			NextKey:       page.NextKey,
			TotalSymbols:  totalSymbols,
			TotalReported: totalReported,
		}
		if err := e.store.Save(cp); err != nil {
			return e.resumable(lastCompleted, totalSymbols, totalReported),
				fmt.Errorf("save checkpoint after batch %d: %w", batch, err)
		}
		lastCompleted = batch
		harvestBatchDuration.Observe(time.Since(batchStart).Seconds())

		progress := e.logger.Info().
			Int("batch", batch).
			Int("batch_symbols", written).
			Int("total_symbols", totalSymbols)
		if totalReported > 0 {
			progress = progress.Float64("progress_pct", float64(totalSymbols)/float64(totalReported)*100)
		}
		progress.Msg("Batch complete")

		if !page.HasMore || page.NextKey == nil {
			e.logger.Info().Msg("Reached end of data (no more symbols available)")
			break
		}
		nextKey = page.NextKey

		batch++
		if batch > e.cfg.MaxBatches {
			e.logger.Warn().
				Int("max_batches", e.cfg.MaxBatches).
				Msg("Reached batch safety limit, stopping")
			break
		}
	}

	return e.finish(lastCompleted, totalSymbols, totalReported, start)
}

// restore reconstructs progress for a resumed run: total-so-far comes
// from the batch files on disk (the secondary source of truth), cursor
// and reported total from the checkpoint. A missing or corrupt
// checkpoint degrades to a fresh cursor, never a fatal error.
func (e *Engine) restore(resumeFrom int) (nextKey *string, totalSymbols, totalReported int) {
	e.logger.Info().Int("resume_from", resumeFrom).Msg("Resuming harvest")

	for n := 1; n < resumeFrom; n++ {
		if !e.sink.HasBatch(n) {
			continue
		}
		records, err := e.sink.ReadBatch(n)
		if err != nil {
			e.logger.Warn().Err(err).Int("batch", n).Msg("Could not load previous batch")
			continue
		}
		totalSymbols += len(records)
		e.logger.Info().Int("batch", n).Int("symbols", len(records)).Msg("Loaded previous batch")
	}

	cp, err := e.store.Load()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Could not restore checkpoint, starting from a fresh cursor")
		return nil, totalSymbols, 0
	}
	if cp == nil {
		e.logger.Warn().Msg("No checkpoint found, starting from a fresh cursor")
		return nil, totalSymbols, 0
	}

	e.logger.Info().
		Interface("next_key", cp.NextKey).
		Int("total_reported", cp.TotalReported).
		Msg("Restored checkpoint")
	return cp.NextKey, totalSymbols, cp.TotalReported
}

// finish runs the DONE post-actions: merge, dedup, write the canonical
// output, and drop the checkpoint.
func (e *Engine) finish(lastCompleted, totalSymbols, totalReported int, start time.Time) (*Result, error) {
	merged, duplicates, err := Merge(e.sink, lastCompleted)
	if err != nil {
		return e.resumable(lastCompleted, totalSymbols, totalReported), fmt.Errorf("merge batches: %w", err)
	}

	if len(merged) > 0 {
		if err := e.sink.WriteMerged(merged); err != nil {
			return e.resumable(lastCompleted, totalSymbols, totalReported), err
		}
	} else {
		e.logger.Warn().Msg("No data was collected")
	}

	if err := e.store.Clear(); err != nil {
		e.logger.Warn().Err(err).Msg("Could not remove checkpoint")
	}

	e.logger.Info().
		Int("batches", lastCompleted).
		Int("total_symbols", totalSymbols).
		Int("unique_symbols", len(merged)).
		Int("duplicates_removed", duplicates).
		Dur("duration", time.Since(start)).
		Msg("Harvest complete")

	return &Result{
		Records:           merged,
		Batches:           lastCompleted,
		TotalSymbols:      totalSymbols,
		TotalReported:     totalReported,
		DuplicatesRemoved: duplicates,
	}, nil
}

func (e *Engine) resumable(lastCompleted, totalSymbols, totalReported int) *Result {
	return &Result{
		Batches:       lastCompleted,
		TotalSymbols:  totalSymbols,
		TotalReported: totalReported,
		Resumable:     true,
		ResumeFrom:    lastCompleted + 1,
	}
}

// waitFor sleeps for d with context cancellation support.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
