package dtn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page fetch operations.
var (
	fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtn_fetch_attempts_total",
		Help: "Total page fetch attempts by outcome",
	}, []string{"outcome"})

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtn_fetch_retries_total",
		Help: "Total retry attempts by error class",
	}, []string{"error_class"})

	fetchBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dtn_fetch_backoff_seconds",
		Help:    "Backoff duration before retries by error class",
		Buckets: []float64{1, 5, 10, 15, 20, 30, 60},
	}, []string{"error_class"})

	fetchExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtn_fetch_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ErrorClass classifies a failed fetch attempt. The class decides
// whether and how long to back off before retrying.
type ErrorClass string

const (
	// ErrorClassBackend is the known transient "backend search
	// database" failure reported inside a 200 response.
	ErrorClassBackend ErrorClass = "transient_backend"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents timeouts and connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassClient represents non-retryable failures: 4xx
	// responses, unknown backend error messages, malformed bodies.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassUnknown is any other unexpected failure.
	ErrorClassUnknown ErrorClass = "unknown"
)

// transientBackendSignature marks the backend-busy error the search
// service reports when its database connection drops.
const transientBackendSignature = "backend search database"

// maxErrorBodyBytes bounds how much of a failed response body is
// carried in the returned error.
const maxErrorBodyBytes = 200

// FetcherConfig configures the retrying page fetcher.
type FetcherConfig struct {
	// Query holds the fixed search filters for the harvest.
	Query SearchQuery

	// RetryCount is the number of attempts per page (default 3).
	RetryCount int

	// RetryDelay is the backoff base unit (default 5s). The actual
	// wait is a per-class multiple of this.
	RetryDelay time.Duration
}

// DefaultFetcherConfig returns the fetcher defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Query:      DefaultSearchQuery(),
		RetryCount: 3,
		RetryDelay: 5 * time.Second,
	}
}

// Fetcher wraps a Transport with bounded retries for one page request.
type Fetcher struct {
	transport Transport
	cfg       FetcherConfig
	logger    zerolog.Logger
}

// NewFetcher creates a retrying page fetcher.
func NewFetcher(transport Transport, cfg FetcherConfig) *Fetcher {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Query.Limit <= 0 {
		cfg.Query = DefaultSearchQuery()
	}

	return &Fetcher{
		transport: transport,
		cfg:       cfg,
		logger:    log.With().Str("component", "dtn-fetcher").Logger(),
	}
}

// outcome is the tagged classification of one attempt: exactly one of
// page (success), retry (back off and try again) or fail (terminal) is
// meaningful.
type outcome struct {
	page  *Page
	retry time.Duration
	class ErrorClass
	fail  *FetchError
}

// FetchPage fetches a single page for the given cursor, retrying up to
// RetryCount times with classified backoff. Every failure is returned
// as a *FetchError; exhaustion wraps ErrRetryExhausted.
func (f *Fetcher) FetchPage(ctx context.Context, cursor *string) (*Page, error) {
	var lastErr error
	lastClass := ErrorClassUnknown

	for attempt := 0; attempt < f.cfg.RetryCount; attempt++ {
		resp, err := f.transport.Get(ctx, searchPath, f.cfg.Query.Values(cursor))
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		out := f.classify(attempt, resp, err)

		if out.page != nil {
			fetchAttemptsTotal.WithLabelValues("success").Inc()
			if attempt > 0 {
				f.logger.Info().
					Int("attempt", attempt+1).
					Msg("Page fetch succeeded after retry")
			}
			return out.page, nil
		}

		if out.fail != nil {
			fetchAttemptsTotal.WithLabelValues("failure").Inc()
			f.logger.Warn().
				Str("error_class", string(out.fail.Class)).
				Int("status", out.fail.StatusCode).
				Str("message", out.fail.Message).
				Msg("Page fetch failed, not retryable")
			return nil, out.fail
		}

		// Retryable attempt.
		fetchAttemptsTotal.WithLabelValues("retry").Inc()
		lastClass = out.class
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		f.logger.Warn().
			Err(lastErr).
			Str("error_class", string(out.class)).
			Int("attempt", attempt+1).
			Int("max_attempts", f.cfg.RetryCount).
			Msg("Page fetch attempt failed")

		// Last attempt: give up without waiting.
		if attempt >= f.cfg.RetryCount-1 {
			break
		}

		fetchRetriesTotal.WithLabelValues(string(out.class)).Inc()
		fetchBackoffSeconds.WithLabelValues(string(out.class)).Observe(out.retry.Seconds())

		f.logger.Info().
			Str("error_class", string(out.class)).
			Dur("backoff", out.retry).
			Int("next_attempt", attempt+2).
			Msg("Waiting before retry")

		if err := wait(ctx, out.retry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	fetchExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	f.logger.Error().
		Err(lastErr).
		Int("attempts", f.cfg.RetryCount).
		Msg("All retry attempts failed")

	return nil, &FetchError{
		Class:   lastClass,
		Message: fmt.Sprintf("all %d attempts failed, last error: %v", f.cfg.RetryCount, lastErr),
		Err:     ErrRetryExhausted,
	}
}

// classify maps one attempt's raw result onto a tagged outcome. The
// attempt index is 0-based; it scales the per-class backoff.
func (f *Fetcher) classify(attempt int, resp *Response, err error) outcome {
	if err != nil {
		switch {
		case isTimeout(err):
			return outcome{retry: f.cfg.RetryDelay, class: ErrorClassNetwork}
		case isConnectionError(err):
			return outcome{retry: f.cfg.RetryDelay * time.Duration(attempt+1), class: ErrorClassNetwork}
		default:
			return outcome{retry: f.cfg.RetryDelay, class: ErrorClassUnknown}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		page, apiErrors, decErr := decodeEnvelope(resp.Body)
		if decErr != nil {
			return outcome{fail: &FetchError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassClient,
				Message:    decErr.Error(),
			}}
		}
		if page != nil {
			return outcome{page: page}
		}

		msg := "Unknown error"
		if len(apiErrors) > 0 {
			msg = apiErrors[0]
		}
		if strings.Contains(msg, transientBackendSignature) {
			return outcome{retry: f.cfg.RetryDelay * time.Duration(attempt+2), class: ErrorClassBackend}
		}
		return outcome{fail: &FetchError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassClient,
			Message:    msg,
		}}

	case resp.StatusCode >= 500:
		return outcome{retry: f.cfg.RetryDelay * time.Duration(attempt+1), class: ErrorClassServer}

	default:
		return outcome{fail: &FetchError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassClient,
			Message:    truncate(string(resp.Body), maxErrorBodyBytes),
		}}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionError(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// wait sleeps for d with context cancellation support.
func wait(ctx context.Context, d time.Duration) error {
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
