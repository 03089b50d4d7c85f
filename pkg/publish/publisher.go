// Package publish loads the partitioned harvest output into Redis so
// downstream services can look up symbol sets by exchange and security
// type without touching the filesystem.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/harvest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for publish operations.
var (
	publishGroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_groups_total",
		Help: "Symbol groups written to Redis by exchange",
	}, []string{"exchange"})

	publishSymbolsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "publish_symbols_total",
		Help: "Total symbols written to Redis",
	})
)

// DefaultExchanges is the default allow-list of exchanges to publish.
var DefaultExchanges = []string{"NYSE", "CME", "NASDAQ", "EUREX"}

// keyPrefix namespaces all published Redis keys.
const keyPrefix = "symbols"

// Config holds the publish parameters.
type Config struct {
	// OutputDir is the harvest output directory containing the
	// by_exchange partition tree.
	OutputDir string

	// Exchanges is the allow-list of exchanges to publish
	// (DefaultExchanges when empty).
	Exchanges []string
}

// Publisher writes per-(exchange, securityType) symbol sets into Redis
// under "symbols:<exchange>:<secType>" keys.
type Publisher struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// New creates a publisher.
func New(redisClient *redis.Client) (*Publisher, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Publisher{
		redis:  redisClient,
		logger: log.With().Str("component", "publisher").Logger(),
	}, nil
}

// Publish walks the partition tree for each allow-listed exchange and
// stores one JSON-encoded record array per security type. A missing
// exchange directory is a warning, not an error. Returns the total
// number of symbols stored.
func (p *Publisher) Publish(ctx context.Context, cfg Config) (int, error) {
	exchanges := cfg.Exchanges
	if len(exchanges) == 0 {
		exchanges = DefaultExchanges
	}
	base := filepath.Join(cfg.OutputDir, harvest.PartitionDir)

	stored := 0
	for _, exchange := range exchanges {
		groups, err := collectGroups(base, exchange)
		if err != nil {
			return stored, err
		}
		if groups == nil {
			p.logger.Warn().Str("exchange", exchange).Msg("Exchange directory not found")
			continue
		}

		// Deterministic publish order.
		secTypes := make([]string, 0, len(groups))
		for secType := range groups {
			secTypes = append(secTypes, secType)
		}
		sort.Strings(secTypes)

		for _, secType := range secTypes {
			records := groups[secType]
			key := fmt.Sprintf("%s:%s:%s", keyPrefix, exchange, secType)

			rows := make([]map[string]string, len(records))
			for i, rec := range records {
				rows[i] = rec.Map()
			}
			data, err := json.Marshal(rows)
			if err != nil {
				return stored, fmt.Errorf("encode group %s: %w", key, err)
			}

			if err := p.redis.Set(ctx, key, data, 0).Err(); err != nil {
				return stored, fmt.Errorf("redis set %s: %w", key, err)
			}

			stored += len(records)
			publishGroupsTotal.WithLabelValues(exchange).Inc()
			publishSymbolsTotal.Add(float64(len(records)))

			p.logger.Info().
				Str("key", key).
				Int("symbols", len(records)).
				Msg("Published symbol group")
		}
	}

	p.logger.Info().Int("symbols", stored).Msg("Publish complete")
	return stored, nil
}

// collectGroups reads every CSV under one exchange directory and
// groups its records by security type. Records whose exchange field
// does not match the directory are dropped; each output file must only
// contain records matching its path. Returns nil when the exchange
// directory does not exist.
func collectGroups(base, exchange string) (map[string][]dtn.Record, error) {
	dir := filepath.Join(base, exchange)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)

	groups := make(map[string][]dtn.Record)
	for _, file := range files {
		records, err := harvest.ReadCSV(file)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Exchange() != exchange {
				continue
			}
			secType := rec.SecurityType()
			if secType == "" {
				secType = strings.TrimSuffix(filepath.Base(file), ".csv")
			}
			groups[secType] = append(groups[secType], rec)
		}
	}
	return groups, nil
}
