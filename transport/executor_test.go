package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/ratelimit"
	goerrors "github.com/goliatone/go-errors"
)

type completion struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

func newTestExecutor(serverURL string, clock *fakeClock, maxElapsed *time.Duration, logger *captureLogger) (*Executor, *recordingSleeper) {
	sleeper := &recordingSleeper{clock: clock}
	executor := NewExecutor(
		NewRESTAdapter(nil, serverURL),
		WithPolicy(deterministicPolicy(clock, maxElapsed)),
		WithSleeper(sleeper.Sleep),
		WithClock(clock.Now),
		WithObserver(core.NewObserver(logger, nil)),
	)
	return executor, sleeper
}

func TestExecutor_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeAPIError(w, http.StatusTooManyRequests, "requests", "Rate limit reached")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl_1","model":"m"}`))
	}))
	defer server.Close()

	logger := newCaptureLogger()
	executor, sleeper := newTestExecutor(server.URL, newFakeClock(), nil, logger)

	var built atomic.Int32
	factory := func(context.Context) (core.Request, error) {
		built.Add(1)
		return core.Request{Method: http.MethodPost, Path: "/completions", Body: core.JSONBody(map[string]any{"model": "m"})}, nil
	}

	out, err := Execute[completion](context.Background(), executor, factory)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ID != "cmpl_1" {
		t.Fatalf("expected decoded completion, got %+v", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if built.Load() != 2 {
		t.Fatalf("expected factory to run per attempt, got %d", built.Load())
	}
	if delays := sleeper.snapshot(); len(delays) != 1 || delays[0] != 100*time.Millisecond {
		t.Fatalf("expected one 100ms backoff, got %v", delays)
	}
	if !logger.has("warn", "rate limited, retrying") {
		t.Fatalf("expected rate limited retry log")
	}
	if logger.has("error", "rate limit retries exhausted") {
		t.Fatalf("did not expect terminal rate limit log")
	}
}

func TestExecutor_InsufficientQuotaIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, core.InsufficientQuotaType, "You exceeded your current quota")
	}))
	defer server.Close()

	executor, sleeper := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"}))
	if err == nil {
		t.Fatalf("expected quota error")
	}
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) || !apiErr.InsufficientQuota() {
		t.Fatalf("expected insufficient quota api error, got %v", err)
	}
	var limited *ratelimit.RateLimitedError
	if errors.As(err, &limited) {
		t.Fatalf("did not expect a rate limited error for quota exhaustion")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
	if len(sleeper.snapshot()) != 0 {
		t.Fatalf("expected no backoff waits")
	}
}

func TestExecutor_NonRetryableStatusSurfacesMessage(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "Unknown parameter: foo")
	}))
	defer server.Close()

	executor, _ := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"}))
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Message != "Unknown parameter: foo" || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
}

func TestExecutor_ZeroMaxElapsedPerformsNoRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, "requests", "Rate limit reached")
	}))
	defer server.Close()

	logger := newCaptureLogger()
	executor, sleeper := newTestExecutor(server.URL, newFakeClock(), core.DurationPtr(0), logger)
	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"}))

	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if !limited.Exhausted || limited.Attempts != 1 {
		t.Fatalf("expected exhausted after one attempt, got %+v", limited)
	}
	if calls.Load() != 1 || len(sleeper.snapshot()) != 0 {
		t.Fatalf("expected zero retries, got %d calls and %v waits", calls.Load(), sleeper.snapshot())
	}
	if !logger.has("error", "rate limit retries exhausted") {
		t.Fatalf("expected terminal rate limit log")
	}
}

func TestExecutor_BackoffGrowsAndSurfacesLastError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		writeAPIError(w, http.StatusTooManyRequests, "requests", "Rate limit reached attempt "+string(rune('0'+n)))
	}))
	defer server.Close()

	clock := newFakeClock()
	logger := newCaptureLogger()
	executor, sleeper := newTestExecutor(server.URL, clock, core.DurationPtr(5*time.Second), logger)
	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"}))

	delays := sleeper.snapshot()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], delays[i])
		}
	}
	if int(calls.Load()) != len(want)+1 {
		t.Fatalf("expected %d attempts, got %d", len(want)+1, calls.Load())
	}

	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if !strings.Contains(limited.Error(), "attempt 8") {
		t.Fatalf("expected the last transient error to be surfaced, got %q", limited.Error())
	}
	if logger.count("warn", "rate limited, retrying") != len(want) {
		t.Fatalf("expected one retry log per wait")
	}
}

func TestExecutor_HonoursRetryAfterHeader(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("retry-after-ms", "1500")
			writeAPIError(w, http.StatusTooManyRequests, "tokens", "slow down")
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}))
	defer server.Close()

	executor, sleeper := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	if _, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"})); err != nil {
		t.Fatalf("do: %v", err)
	}
	if delays := sleeper.snapshot(); len(delays) != 1 || delays[0] != 1500*time.Millisecond {
		t.Fatalf("expected server retry hint to be used, got %v", delays)
	}
}

func TestExecutor_TransportErrorIsPermanent(t *testing.T) {
	doer := &failingDoer{err: errors.New("dial tcp: connection refused")}
	clock := newFakeClock()
	sleeper := &recordingSleeper{clock: clock}
	executor := NewExecutor(NewRESTAdapter(doer, "https://api.example/v1"), WithSleeper(sleeper.Sleep))

	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/models"}))
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if !IsTransportError(err) {
		t.Fatalf("expected transport error envelope, got %v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryExternal || rich.Code != http.StatusBadGateway {
		t.Fatalf("expected external 502 envelope, got %+v", rich)
	}
	if doer.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", doer.calls)
	}
	if len(sleeper.snapshot()) != 0 {
		t.Fatalf("expected no backoff for transport failures")
	}
}

func TestExecutor_SuccessDecodeFailureCarriesRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": 42`))
	}))
	defer server.Close()

	executor, _ := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	_, err := Execute[completion](context.Background(), executor, core.StaticRequest(core.Request{Path: "/x"}))
	var decodeErr *core.DeserializationError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected deserialization error, got %v", err)
	}
	if string(decodeErr.Body) != `{"id": 42` {
		t.Fatalf("expected raw body attached, got %q", decodeErr.Body)
	}
	if decodeErr.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", decodeErr.StatusCode)
	}
}

func TestExecutor_UnparseableErrorBodyIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("<html>Too Many Requests</html>"))
	}))
	defer server.Close()

	executor, _ := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{Path: "/x"}))
	var decodeErr *core.DeserializationError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected deserialization error, got %v", err)
	}
	if decodeErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status on decode error, got %d", decodeErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
}

func TestExecutor_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusTooManyRequests, "requests", "Rate limit reached")
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	executor := NewExecutor(
		NewRESTAdapter(nil, server.URL),
		WithPolicy(deterministicPolicy(nil, nil)),
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)
	_, err := executor.Do(ctx, core.StaticRequest(core.Request{Path: "/x"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected the last rate limit error to be attached, got %v", err)
	}
}

func TestExecutor_FactoryErrorIsPermanent(t *testing.T) {
	executor := NewExecutor(NewRESTAdapter(nil, "https://api.example"))
	_, err := executor.Do(context.Background(), func(context.Context) (core.Request, error) {
		return core.Request{}, errors.New("open upload: no such file")
	})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorInvalidRequest {
		t.Fatalf("expected invalid request envelope, got %v", err)
	}
}

func TestExecutor_AppliesHeadersQueryAndBody(t *testing.T) {
	var seen *http.Request
	var seenBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		payload, _ := io.ReadAll(r.Body)
		seenBody = string(payload)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(nil, server.URL+"/v1/")
	adapter.DefaultHeaders = HeadersFromConfig(core.Config{
		APIKey:         "sk-test",
		AuthScheme:     core.DefaultAuthScheme,
		UserAgent:      "apiclient-test",
		DefaultHeaders: map[string]string{"X-Project": "proj_1"},
	})
	executor := NewExecutor(adapter)

	_, err := executor.Do(context.Background(), core.StaticRequest(core.Request{
		Method:  http.MethodPost,
		Path:    "/files",
		Query:   url.Values{"limit": {"10"}, "order": {"desc"}},
		Headers: map[string]string{"X-Project": "proj_override"},
		Body:    core.RawBody([]byte("payload"), "text/plain"),
	}))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if seen.URL.Path != "/v1/files" {
		t.Fatalf("expected joined path, got %q", seen.URL.Path)
	}
	if seen.URL.Query().Get("limit") != "10" || seen.URL.Query().Get("order") != "desc" {
		t.Fatalf("expected query params, got %q", seen.URL.RawQuery)
	}
	if got := seen.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("expected bearer auth header, got %q", got)
	}
	if got := seen.Header.Get("User-Agent"); got != "apiclient-test" {
		t.Fatalf("expected user agent, got %q", got)
	}
	if got := seen.Header.Get("X-Project"); got != "proj_override" {
		t.Fatalf("expected request header to win, got %q", got)
	}
	if got := seen.Header.Get("Content-Type"); got != "text/plain" {
		t.Fatalf("expected body content type, got %q", got)
	}
	if seenBody != "payload" {
		t.Fatalf("expected raw body, got %q", seenBody)
	}
}

func TestExecutor_OpenRetriesThenStreams(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeAPIError(w, http.StatusTooManyRequests, "requests", "Rate limit reached")
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "expected event stream accept header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"a\":1}\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	executor, sleeper := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	live, err := executor.Open(context.Background(), core.StaticRequest(core.Request{Method: http.MethodPost, Path: "/chat"}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer live.Body.Close()

	if live.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", live.StatusCode)
	}
	line, err := bufio.NewReader(live.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if line != "data: {\"a\":1}\n" {
		t.Fatalf("unexpected first line %q", line)
	}
	if len(sleeper.snapshot()) != 1 {
		t.Fatalf("expected one backoff before the stream opened")
	}
}

func TestExecutor_OpenSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "Incorrect API key provided")
	}))
	defer server.Close()

	executor, _ := newTestExecutor(server.URL, newFakeClock(), nil, newCaptureLogger())
	_, err := executor.Open(context.Background(), core.StaticRequest(core.Request{Path: "/chat"}))
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized api error, got %v", err)
	}
}

func TestExecutor_OptionalHeaderIsLenient(t *testing.T) {
	logger := newCaptureLogger()
	executor := NewExecutor(nil, WithObserver(core.NewObserver(logger, nil)))

	res := core.Response{StatusCode: http.StatusCreated, Headers: map[string]string{"Location": "/v1/files/file_1"}}
	if value, ok := executor.OptionalHeader(context.Background(), res, "location"); !ok || value != "/v1/files/file_1" {
		t.Fatalf("expected location header, got %q (%v)", value, ok)
	}
	if _, ok := executor.OptionalHeader(context.Background(), res, "x-request-id"); ok {
		t.Fatalf("expected missing header to be reported absent")
	}
	if !logger.has("warn", "response header missing") {
		t.Fatalf("expected missing header warning")
	}
}

func TestRESTAdapter_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client(), server.URL)
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Send(context.Background(), core.Request{Method: http.MethodGet})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorTransportFailure {
		t.Fatalf("expected %q text code, got %q", core.ErrorTransportFailure, rich.TextCode)
	}
}

func TestRESTAdapter_RequiresURL(t *testing.T) {
	adapter := NewRESTAdapter(nil, "")
	_, err := adapter.Send(context.Background(), core.Request{Path: "/relative"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input envelope, got %v", err)
	}
}
