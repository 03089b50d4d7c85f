// Package testutil provides testing utilities for the symbol downloader.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockResponse defines one scripted response from the mock backend.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockDTN is a scriptable mock of the DTN symbol search service. The
// protocol is strictly sequential, so search responses are served from
// a FIFO queue; when the queue is empty the server answers with an
// empty final page.
type MockDTN struct {
	server *httptest.Server

	mu        sync.Mutex
	responses []MockResponse

	// Tracking
	RequestCount int
	LastQuery    url.Values
}

// NewMockDTN creates a mock backend server.
func NewMockDTN() *MockDTN {
	mock := &MockDTN{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastQuery = r.URL.Query()

		var resp MockResponse
		if len(mock.responses) > 0 {
			resp = mock.responses[0]
			mock.responses = mock.responses[1:]
		} else {
			resp = MockResponse{
				StatusCode: http.StatusOK,
				Body:       PageBody(nil, 0, false, nil),
			}
		}
		mock.mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockDTN) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockDTN) Close() {
	m.server.Close()
}

// Enqueue appends scripted responses to the queue.
func (m *MockDTN) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockDTN) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetLastQuery returns the query parameters of the most recent request.
func (m *MockDTN) GetLastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastQuery
}

// PageBody builds a successful search response body.
func PageBody(symbols []map[string]any, totalFound int, hasMore bool, nextKey *string) string {
	rows := symbols
	if rows == nil {
		rows = []map[string]any{}
	}
	body := map[string]any{
		"data": map[string]any{
			"symbolList": rows,
			"totalFound": totalFound,
			"hasMore":    hasMore,
			"nextKey":    nextKey,
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

// Symbol builds one symbol row for PageBody.
func Symbol(symbol, exchange, secType string) map[string]any {
	return map[string]any{
		"symbol":       symbol,
		"description":  symbol + " test symbol",
		"exchange":     exchange,
		"securityType": secType,
	}
}

// ErrorBody builds a 200 response carrying backend error messages.
func ErrorBody(messages ...string) string {
	body := map[string]any{"errors": messages}
	data, _ := json.Marshal(body)
	return string(data)
}

// BackendBusyBody is the known transient backend failure signature.
func BackendBusyBody() string {
	return ErrorBody("Cannot connect to backend search database, please retry")
}

// NewPageResponse wraps PageBody in a 200 MockResponse.
func NewPageResponse(symbols []map[string]any, totalFound int, hasMore bool, nextKey *string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       PageBody(symbols, totalFound, hasMore, nextKey),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}
