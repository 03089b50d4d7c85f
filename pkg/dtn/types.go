package dtn

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultLimit is the page size used by the DTN symbol search UI.
const DefaultLimit = 4998

// SearchQuery holds the fixed filter parameters for a symbol search.
// The filters are constant for the whole harvest; only the cursor
// changes between pages.
type SearchQuery struct {
	// SearchText filters by symbol text. Empty matches all symbols.
	SearchText string

	// Symbology selects the symbol namespace (default "iq").
	Symbology string

	// Optional category filters. Empty values are omitted from the
	// request entirely, which the backend treats as "all".
	Exchange  string
	SecType   string
	SicCode   string
	NaicsCode string

	// Limit is the page size. Must stay constant across a harvest.
	Limit int

	// ClientVersion tags requests the way the web client does.
	ClientVersion string
}

// DefaultSearchQuery returns the query used for a full symbol dump.
func DefaultSearchQuery() SearchQuery {
	return SearchQuery{
		Symbology:     "iq",
		Limit:         DefaultLimit,
		ClientVersion: "IQsite 1.0",
	}
}

// Values renders the query as request parameters. A nil cursor omits
// nextKey, which requests the first page.
func (q SearchQuery) Values(cursor *string) url.Values {
	v := url.Values{}
	if cursor != nil {
		v.Set("nextKey", *cursor)
	}
	v.Set("searchText", q.SearchText)
	v.Set("symbology", q.Symbology)
	if q.Exchange != "" {
		v.Set("exchange", q.Exchange)
	}
	if q.SecType != "" {
		v.Set("secType", q.SecType)
	}
	if q.SicCode != "" {
		v.Set("sicCode", q.SicCode)
	}
	if q.NaicsCode != "" {
		v.Set("naicsCode", q.NaicsCode)
	}
	v.Set("onlyFront", "false")
	v.Set("onlyContinuous", "false")
	v.Set("onlyMini", "false")
	v.Set("noOptions", "false")
	v.Set("noSpreads", "false")
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("clientVersion", q.ClientVersion)
	return v
}

// Record is one symbol row. Symbol is the unique key used for
// deduplication; all remaining columns live in the open Fields map and
// are passed through without interpretation.
type Record struct {
	Symbol string
	Fields map[string]string
}

// Well-known field names used for partitioning and publishing.
const (
	FieldExchange     = "exchange"
	FieldSecurityType = "securityType"
)

// Field returns a named field, or "" if absent.
func (r Record) Field(name string) string {
	return r.Fields[name]
}

// Exchange returns the record's exchange, or "" if absent.
func (r Record) Exchange() string { return r.Fields[FieldExchange] }

// SecurityType returns the record's security type, or "" if absent.
func (r Record) SecurityType() string { return r.Fields[FieldSecurityType] }

// Map flattens the record into a single column map including the key.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["symbol"] = r.Symbol
	return m
}

// Page is one decoded search response.
type Page struct {
	Records []Record

	// TotalFound is the backend's count of matching symbols. Only the
	// first page's value is authoritative.
	TotalFound int

	// HasMore and NextKey together signal termination: harvesting is
	// complete when HasMore is false or NextKey is nil, regardless of
	// whether Records is empty.
	HasMore bool
	NextKey *string
}

// Categories lists the exchanges and security types the backend knows
// about. The entries are opaque; callers only report counts.
type Categories struct {
	Exchange     []json.RawMessage `json:"exchange"`
	SecurityType []json.RawMessage `json:"securityType"`
}

type envelope struct {
	Data   *pageBody `json:"data"`
	Errors []string  `json:"errors"`
}

type pageBody struct {
	SymbolList []map[string]any `json:"symbolList"`
	TotalFound int              `json:"totalFound"`
	HasMore    bool             `json:"hasMore"`
	NextKey    *string          `json:"nextKey"`
}

// decodeEnvelope parses a 200 response body. Exactly one of the
// returned page and error list is set; a body with neither a data nor
// an errors field is a malformed response.
func decodeEnvelope(body []byte) (*Page, []string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Data == nil {
		if len(env.Errors) > 0 {
			return nil, env.Errors, nil
		}
		return nil, nil, fmt.Errorf("unexpected response structure")
	}

	records := make([]Record, 0, len(env.Data.SymbolList))
	for _, row := range env.Data.SymbolList {
		records = append(records, recordFromRow(row))
	}
	return &Page{
		Records:    records,
		TotalFound: env.Data.TotalFound,
		HasMore:    env.Data.HasMore,
		NextKey:    env.Data.NextKey,
	}, nil, nil
}

func recordFromRow(row map[string]any) Record {
	rec := Record{Fields: make(map[string]string, len(row))}
	for k, v := range row {
		if k == "symbol" {
			rec.Symbol = fieldString(v)
			continue
		}
		rec.Fields[k] = fieldString(v)
	}
	return rec
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
