package harvest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/pkg/dtn"
)

func testRecord(symbol, exchange, secType string) dtn.Record {
	return dtn.Record{
		Symbol: symbol,
		Fields: map[string]string{
			"description":         symbol + " test",
			dtn.FieldExchange:     exchange,
			dtn.FieldSecurityType: secType,
		},
	}
}

func newTestSink(t *testing.T) *CSVSink {
	t.Helper()
	sink, err := NewCSVSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}
	return sink
}

func TestCSVSink_WriteReadBatch(t *testing.T) {
	sink := newTestSink(t)

	records := []dtn.Record{
		testRecord("AAPL", "NASDAQ", "EQUITY"),
		testRecord("@ES", "CME", "FUTURE"),
	}
	written, err := sink.WriteBatch(1, records)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}
	if !sink.HasBatch(1) {
		t.Error("HasBatch(1) = false after write")
	}
	if sink.HasBatch(2) {
		t.Error("HasBatch(2) = true, batch never written")
	}

	loaded, err := sink.ReadBatch(1)
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(loaded) = %d, want 2", len(loaded))
	}
	if loaded[0].Symbol != "AAPL" {
		t.Errorf("loaded[0].Symbol = %q, want AAPL", loaded[0].Symbol)
	}
	if got := loaded[1].Exchange(); got != "CME" {
		t.Errorf("loaded[1].Exchange() = %q, want CME", got)
	}
}

func TestCSVSink_HeaderLayout(t *testing.T) {
	sink := newTestSink(t)

	if _, err := sink.WriteBatch(1, []dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY")}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(sink.Dir(), "batch_1.csv"))
	if err != nil {
		t.Fatal(err)
	}
	header := strings.SplitN(string(data), "\n", 2)[0]
	if header != "symbol,description,exchange,securityType" {
		t.Errorf("header = %q, want symbol first then sorted columns", header)
	}
}

func TestCSVSink_RaggedFieldSets(t *testing.T) {
	sink := newTestSink(t)

	records := []dtn.Record{
		{Symbol: "A", Fields: map[string]string{"exchange": "NYSE"}},
		{Symbol: "B", Fields: map[string]string{"securityType": "EQUITY", "sicCode": "6021"}},
	}
	if _, err := sink.WriteBatch(1, records); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	loaded, err := sink.ReadBatch(1)
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if got := loaded[0].Field("exchange"); got != "NYSE" {
		t.Errorf("loaded[0] exchange = %q, want NYSE", got)
	}
	if got := loaded[1].Field("sicCode"); got != "6021" {
		t.Errorf("loaded[1] sicCode = %q, want 6021", got)
	}
	// Columns a record never had come back empty, not missing.
	if got := loaded[0].Field("sicCode"); got != "" {
		t.Errorf("loaded[0] sicCode = %q, want empty", got)
	}
}

func TestCSVSink_DropsRecordsWithoutSymbol(t *testing.T) {
	sink := newTestSink(t)

	records := []dtn.Record{
		testRecord("AAPL", "NASDAQ", "EQUITY"),
		{Symbol: "", Fields: map[string]string{"exchange": "NYSE"}},
	}
	written, err := sink.WriteBatch(1, records)
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if written != 1 {
		t.Errorf("written = %d, want 1 (keyless record dropped)", written)
	}

	loaded, _ := sink.ReadBatch(1)
	if len(loaded) != 1 {
		t.Errorf("len(loaded) = %d, want 1", len(loaded))
	}
}

func TestCSVSink_WriteMerged(t *testing.T) {
	sink := newTestSink(t)

	if err := sink.WriteMerged([]dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY")}); err != nil {
		t.Fatalf("WriteMerged() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(sink.Dir(), MergedFile)); err != nil {
		t.Errorf("merged file missing: %v", err)
	}
}

func TestCSVSink_Cleanup(t *testing.T) {
	sink := newTestSink(t)

	for n := 1; n <= 3; n++ {
		if _, err := sink.WriteBatch(n, []dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Cleanup(3); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	for n := 1; n <= 3; n++ {
		if sink.HasBatch(n) {
			t.Errorf("batch %d still exists after Cleanup", n)
		}
	}

	// Cleanup over already removed batches is fine.
	if err := sink.Cleanup(3); err != nil {
		t.Errorf("second Cleanup() error = %v", err)
	}
}

func TestMerge_DedupFirstWins(t *testing.T) {
	sink := newTestSink(t)

	first := testRecord("MSFT", "NASDAQ", "EQUITY")
	duplicate := testRecord("MSFT", "NYSE", "EQUITY")

	if _, err := sink.WriteBatch(1, []dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY"), first}); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.WriteBatch(2, []dtn.Record{duplicate, testRecord("GOOG", "NASDAQ", "EQUITY")}); err != nil {
		t.Fatal(err)
	}

	merged, duplicates, err := Merge(sink, 2)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", duplicates)
	}
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}

	// Stable order, first occurrence wins.
	wantOrder := []string{"AAPL", "MSFT", "GOOG"}
	for i, want := range wantOrder {
		if merged[i].Symbol != want {
			t.Errorf("merged[%d].Symbol = %q, want %q", i, merged[i].Symbol, want)
		}
	}
	if got := merged[1].Exchange(); got != "NASDAQ" {
		t.Errorf("kept record exchange = %q, want first occurrence NASDAQ", got)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	sink := newTestSink(t)

	if _, err := sink.WriteBatch(1, []dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY"), testRecord("AAPL", "NASDAQ", "EQUITY")}); err != nil {
		t.Fatal(err)
	}

	first, dups1, err := Merge(sink, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, dups2, err := Merge(sink, 1)
	if err != nil {
		t.Fatal(err)
	}

	if dups1 != 1 || dups2 != 1 {
		t.Errorf("duplicates = (%d, %d), want (1, 1)", dups1, dups2)
	}
	if len(first) != len(second) || len(first) != 1 {
		t.Errorf("merge results differ between runs: %d vs %d", len(first), len(second))
	}
}

func TestMerge_SkipsMissingBatches(t *testing.T) {
	sink := newTestSink(t)

	if _, err := sink.WriteBatch(2, []dtn.Record{testRecord("AAPL", "NASDAQ", "EQUITY")}); err != nil {
		t.Fatal(err)
	}

	merged, _, err := Merge(sink, 3)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged) != 1 {
		t.Errorf("len(merged) = %d, want 1", len(merged))
	}
}

func TestPartition(t *testing.T) {
	sink := newTestSink(t)

	records := []dtn.Record{
		testRecord("AAPL", "NASDAQ", "EQUITY"),
		testRecord("MSFT", "NASDAQ", "EQUITY"),
		testRecord("@ES", "CME", "FUTURE"),
	}
	if err := sink.Partition(records); err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	equities, err := ReadCSV(filepath.Join(sink.Dir(), PartitionDir, "NASDAQ", "EQUITY.csv"))
	if err != nil {
		t.Fatalf("read NASDAQ/EQUITY.csv: %v", err)
	}
	if len(equities) != 2 {
		t.Errorf("NASDAQ equities = %d, want 2", len(equities))
	}
	for _, rec := range equities {
		if rec.Exchange() != "NASDAQ" || rec.SecurityType() != "EQUITY" {
			t.Errorf("record %q does not match its partition path", rec.Symbol)
		}
	}

	futures, err := ReadCSV(filepath.Join(sink.Dir(), PartitionDir, "CME", "FUTURE.csv"))
	if err != nil {
		t.Fatalf("read CME/FUTURE.csv: %v", err)
	}
	if len(futures) != 1 {
		t.Errorf("CME futures = %d, want 1", len(futures))
	}

	// Idempotent: a second run rewrites the same tree.
	if err := sink.Partition(records); err != nil {
		t.Fatalf("second Partition() error = %v", err)
	}
}

func TestPartition_MissingAttributes(t *testing.T) {
	sink := newTestSink(t)

	records := []dtn.Record{
		{Symbol: "A", Fields: map[string]string{"description": "no grouping fields"}},
	}
	if err := sink.Partition(records); err != nil {
		t.Fatalf("Partition() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(sink.Dir(), PartitionDir)); !os.IsNotExist(err) {
		t.Error("partition dir created despite missing grouping attributes")
	}
}
