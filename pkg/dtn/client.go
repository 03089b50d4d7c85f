// Package dtn talks to the DTN IQFeed symbol search API: an HTTP
// transport with the fixed headers the web client sends, and a
// retrying page fetcher with per-class backoff.
package dtn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// API endpoint paths under the base URL.
const (
	searchPath     = "/SymbolSearch/QuerySymbolsDD"
	categoriesPath = "/SymbolSearch/GetSymbolCategories"
)

// DefaultBaseURL is the production DTN symbol search host.
const DefaultBaseURL = "https://ws1.dtn.com"

// Response is the raw result of one GET: status code plus body bytes.
// Classification of the outcome is the fetcher's job, not the
// transport's.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs a single GET with query parameters and a timeout.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values) (*Response, error)
}

// ClientConfig holds the transport configuration.
type ClientConfig struct {
	// BaseURL of the symbol search service (default DefaultBaseURL).
	BaseURL string

	// Timeout per request (default 60s).
	Timeout time.Duration
}

// Client is the HTTP transport to the DTN API. It is an explicitly
// constructed capability: all headers and configuration live here, not
// in process-wide state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	logger     zerolog.Logger
}

// NewClient creates a transport with browser-like static headers.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		headers: map[string]string{
			"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			"Accept":           "application/json, text/javascript, */*; q=0.01",
			"Accept-Language":  "en-US,en;q=0.5",
			"X-Requested-With": "XMLHttpRequest",
			"Referer":          "https://ws1.dtn.com/IQ/Search/",
		},
		logger: log.With().Str("component", "dtn-client").Logger(),
	}
}

// Get performs a single GET against the API.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = query.Encode()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("body_bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Request complete")

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Categories fetches the available exchanges and security types.
func (c *Client) Categories(ctx context.Context) (*Categories, error) {
	query := url.Values{}
	query.Set("symbology", "IQ")

	resp, err := c.Get(ctx, categoriesPath, query)
	if err != nil {
		return nil, fmt.Errorf("get categories: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get categories: HTTP %d", resp.StatusCode)
	}

	var env struct {
		Data *Categories `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("categories response has no data")
	}
	return env.Data, nil
}
