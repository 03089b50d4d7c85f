package dtn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/eigenkor/MarketForecaster-DTN-Symbol-Downloader/internal/testutil"
)

func newTestFetcher(mock *testutil.MockDTN) *Fetcher {
	client := NewClient(ClientConfig{BaseURL: mock.URL(), Timeout: 5 * time.Second})
	return NewFetcher(client, FetcherConfig{
		Query:      DefaultSearchQuery(),
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	})
}

func strPtr(s string) *string { return &s }

func TestFetchPage_Success(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(testutil.NewPageResponse([]map[string]any{
		testutil.Symbol("AAPL", "NASDAQ", "EQUITY"),
		testutil.Symbol("@ES", "CME", "FUTURE"),
	}, 10, true, strPtr("k2")))

	fetcher := newTestFetcher(mock)
	page, err := fetcher.FetchPage(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Records) != 2 {
		t.Errorf("len(Records) = %d, want 2", len(page.Records))
	}
	if page.TotalFound != 10 {
		t.Errorf("TotalFound = %d, want 10", page.TotalFound)
	}
	if page.NextKey == nil || *page.NextKey != "k2" {
		t.Errorf("NextKey = %v, want k2", page.NextKey)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.GetRequestCount())
	}

	query := mock.GetLastQuery()
	if query.Has("nextKey") {
		t.Error("first page request should not carry nextKey")
	}
	if got := query.Get("limit"); got != "4998" {
		t.Errorf("limit = %q, want 4998", got)
	}
}

func TestFetchPage_CursorPassedVerbatim(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(testutil.NewPageResponse(nil, 0, false, nil))

	fetcher := newTestFetcher(mock)
	if _, err := fetcher.FetchPage(context.Background(), strPtr("cursor-42")); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if got := mock.GetLastQuery().Get("nextKey"); got != "cursor-42" {
		t.Errorf("nextKey = %q, want cursor-42", got)
	}
}

func TestFetchPage_TransientBackendThenSuccess(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(
		testutil.MockResponse{StatusCode: http.StatusOK, Body: testutil.BackendBusyBody()},
		testutil.MockResponse{StatusCode: http.StatusOK, Body: testutil.BackendBusyBody()},
		testutil.NewPageResponse([]map[string]any{
			testutil.Symbol("AAPL", "NASDAQ", "EQUITY"),
		}, 1, false, nil),
	)

	fetcher := newTestFetcher(mock)
	page, err := fetcher.FetchPage(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if len(page.Records) != 1 {
		t.Errorf("len(Records) = %d, want 1", len(page.Records))
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3 (two transient errors + success)", mock.GetRequestCount())
	}
}

func TestFetchPage_ServerErrorExhausted(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
	)

	fetcher := newTestFetcher(mock)
	_, err := fetcher.FetchPage(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Class != ErrorClassServer {
		t.Errorf("Class = %q, want %q", fe.Class, ErrorClassServer)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("RequestCount = %d, want exactly RetryCount attempts", mock.GetRequestCount())
	}
}

func TestFetchPage_ClientErrorNoRetry(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(testutil.MockResponse{StatusCode: http.StatusNotFound, Body: "not here"})

	fetcher := newTestFetcher(mock)
	_, err := fetcher.FetchPage(context.Background(), nil)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", fe.StatusCode)
	}
	if fe.Class != ErrorClassClient {
		t.Errorf("Class = %q, want %q", fe.Class, ErrorClassClient)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (no retry for 4xx)", mock.GetRequestCount())
	}
}

func TestFetchPage_UnknownBackendErrorNoRetry(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.ErrorBody("Invalid search parameters"),
	})

	fetcher := newTestFetcher(mock)
	_, err := fetcher.FetchPage(context.Background(), nil)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Message != "Invalid search parameters" {
		t.Errorf("Message = %q, want the backend message", fe.Message)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1 (unknown error is not retryable)", mock.GetRequestCount())
	}
}

func TestFetchPage_MalformedBodyNoRetry(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	mock.Enqueue(testutil.MockResponse{StatusCode: http.StatusOK, Body: "<html>surprise</html>"})

	fetcher := newTestFetcher(mock)
	_, err := fetcher.FetchPage(context.Background(), nil)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Class != ErrorClassClient {
		t.Errorf("Class = %q, want %q", fe.Class, ErrorClassClient)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.GetRequestCount())
	}
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockDTN()
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := newTestFetcher(mock)
	_, err := fetcher.FetchPage(ctx, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "request timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify_BackoffSchedule(t *testing.T) {
	delay := 5 * time.Second
	f := NewFetcher(nil, FetcherConfig{RetryCount: 3, RetryDelay: delay})

	tests := []struct {
		name      string
		attempt   int
		resp      *Response
		err       error
		wantRetry time.Duration
		wantClass ErrorClass
	}{
		{
			name:      "server error attempt 0",
			attempt:   0,
			resp:      &Response{StatusCode: 500},
			wantRetry: 1 * delay,
			wantClass: ErrorClassServer,
		},
		{
			name:      "server error attempt 1",
			attempt:   1,
			resp:      &Response{StatusCode: 503},
			wantRetry: 2 * delay,
			wantClass: ErrorClassServer,
		},
		{
			name:      "server error attempt 2",
			attempt:   2,
			resp:      &Response{StatusCode: 500},
			wantRetry: 3 * delay,
			wantClass: ErrorClassServer,
		},
		{
			name:      "transient backend attempt 0",
			attempt:   0,
			resp:      &Response{StatusCode: 200, Body: []byte(`{"errors":["backend search database is down"]}`)},
			wantRetry: 2 * delay,
			wantClass: ErrorClassBackend,
		},
		{
			name:      "transient backend attempt 1",
			attempt:   1,
			resp:      &Response{StatusCode: 200, Body: []byte(`{"errors":["backend search database is down"]}`)},
			wantRetry: 3 * delay,
			wantClass: ErrorClassBackend,
		},
		{
			name:      "timeout is flat",
			attempt:   2,
			err:       timeoutError{},
			wantRetry: delay,
			wantClass: ErrorClassNetwork,
		},
		{
			name:      "connection error scales",
			attempt:   1,
			err:       &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			wantRetry: 2 * delay,
			wantClass: ErrorClassNetwork,
		},
		{
			name:      "unexpected error is flat",
			attempt:   2,
			err:       errors.New("something odd"),
			wantRetry: delay,
			wantClass: ErrorClassUnknown,
		},
	}

	var prevServer time.Duration
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.classify(tt.attempt, tt.resp, tt.err)

			if out.page != nil || out.fail != nil {
				t.Fatalf("expected a retryable outcome, got page=%v fail=%v", out.page, out.fail)
			}
			if out.retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", out.retry, tt.wantRetry)
			}
			if out.class != tt.wantClass {
				t.Errorf("class = %q, want %q", out.class, tt.wantClass)
			}

			// Within one page fetch, successive server-error waits
			// never decrease.
			if tt.wantClass == ErrorClassServer {
				if out.retry < prevServer {
					t.Errorf("backoff decreased: %v after %v", out.retry, prevServer)
				}
				prevServer = out.retry
			}
		})
	}
}

func TestClassify_TruncatesErrorBody(t *testing.T) {
	f := NewFetcher(nil, FetcherConfig{RetryCount: 3, RetryDelay: time.Second})

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	out := f.classify(0, &Response{StatusCode: 403, Body: long}, nil)

	if out.fail == nil {
		t.Fatal("expected terminal failure for 403")
	}
	if len(out.fail.Message) != 200 {
		t.Errorf("len(Message) = %d, want 200", len(out.fail.Message))
	}
}
