package harvest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
)

// PartitionDir is the subdirectory holding per-exchange output groups.
const PartitionDir = "by_exchange"

// Partition splits records into <dir>/by_exchange/<exchange>/<secType>.csv,
// one file per (exchange, securityType) pair. It is idempotent and
// order-independent: files are fully rewritten on every call. If the
// records carry no exchange/securityType fields at all, the split is
// skipped with a warning.
func (s *CSVSink) Partition(records []dtn.Record) error {
	if len(records) == 0 {
		return nil
	}

	groups := make(map[string]map[string][]dtn.Record)
	grouped := 0
	for _, rec := range records {
		exchange := rec.Exchange()
		secType := rec.SecurityType()
		if exchange == "" || secType == "" {
			continue
		}
		byType, ok := groups[exchange]
		if !ok {
			byType = make(map[string][]dtn.Record)
			groups[exchange] = byType
		}
		byType[secType] = append(byType[secType], rec)
		grouped++
	}

	if grouped == 0 {
		s.logger.Warn().Msg("Records are missing exchange or securityType fields, skipping split")
		return nil
	}

	root := filepath.Join(s.dir, PartitionDir)
	for exchange, byType := range groups {
		exchangeDir := filepath.Join(root, exchange)
		if err := os.MkdirAll(exchangeDir, 0o755); err != nil {
			return fmt.Errorf("create partition dir %s: %w", exchangeDir, err)
		}

		for secType, group := range byType {
			path := filepath.Join(exchangeDir, secType+".csv")
			if err := writeRecordsCSV(path, group); err != nil {
				return fmt.Errorf("write partition %s: %w", path, err)
			}
			s.logger.Info().
				Str("exchange", exchange).
				Str("security_type", secType).
				Int("symbols", len(group)).
				Msg("Saved partition")
		}
	}
	return nil
}
