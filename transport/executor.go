package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/internal/json"
	"github.com/goliatone/go-apiclient/ratelimit"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/time/rate"
)

// Decoder turns a successful response into a value.
type Decoder[T any] func(res core.Response) (T, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs requests through the adapter and resolves rate limiting
// internally. Callers only ever see the terminal outcome.
type Executor struct {
	adapter  *RESTAdapter
	policy   *ratelimit.Policy
	limiter  *rate.Limiter
	observer core.Observer
	sleep    Sleeper
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithPolicy(policy *ratelimit.Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = policy
	}
}

func WithLimiter(limiter *rate.Limiter) ExecutorOption {
	return func(e *Executor) {
		e.limiter = limiter
	}
}

func WithObserver(observer core.Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = observer
	}
}

func WithSleeper(sleep Sleeper) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(adapter *RESTAdapter, opts ...ExecutorOption) *Executor {
	if adapter == nil {
		adapter = NewRESTAdapter(nil, "")
	}
	e := &Executor{
		adapter:  adapter,
		policy:   ratelimit.NewPolicy(ratelimit.DefaultConfig()),
		observer: core.NewObserver(glog.Nop(), nil),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.policy == nil {
		e.policy = ratelimit.NewPolicy(ratelimit.DefaultConfig())
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Adapter exposes the underlying single attempt sender.
func (e *Executor) Adapter() *RESTAdapter {
	return e.adapter
}

func (e *Executor) Policy() *ratelimit.Policy {
	return e.policy
}

// Do runs the call and returns the fully read 2xx response.
func (e *Executor) Do(ctx context.Context, factory core.RequestFactory) (core.Response, error) {
	res, _, err := e.run(ctx, factory, false)
	return res, err
}

// Open runs the call and hands back the live 2xx response for streaming.
// Non-2xx responses are classified exactly like Do, including rate limit
// retries, before anything is handed off.
func (e *Executor) Open(ctx context.Context, factory core.RequestFactory) (*http.Response, error) {
	_, live, err := e.run(ctx, factory, true)
	return live, err
}

// Execute runs the call and decodes the JSON body into T.
func Execute[T any](ctx context.Context, e *Executor, factory core.RequestFactory) (T, error) {
	return ExecuteWith(ctx, e, factory, JSONDecoder[T]())
}

// ExecuteWith runs the call and decodes the body with decode. A decode
// failure is permanent.
func ExecuteWith[T any](ctx context.Context, e *Executor, factory core.RequestFactory, decode Decoder[T]) (T, error) {
	var zero T
	res, err := e.Do(ctx, factory)
	if err != nil {
		return zero, err
	}
	if decode == nil {
		decode = JSONDecoder[T]()
	}
	value, err := decode(res)
	if err != nil {
		var decodeErr *core.DeserializationError
		if !errors.As(err, &decodeErr) {
			err = &core.DeserializationError{
				Target:     typeName[T](),
				StatusCode: res.StatusCode,
				Body:       res.Body,
				Err:        err,
			}
		}
		e.observer.Warn(ctx, "response decode failed", map[string]any{
			"status_code": res.StatusCode,
			"target":      typeName[T](),
			"error":       err.Error(),
		})
		return zero, err
	}
	return value, nil
}

// ExecuteBytes runs the call and returns the raw body, for binary endpoints
// such as file content or audio.
func ExecuteBytes(ctx context.Context, e *Executor, factory core.RequestFactory) ([]byte, error) {
	res, err := e.Do(ctx, factory)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// JSONDecoder decodes the body as JSON. Failures carry the raw body.
func JSONDecoder[T any]() Decoder[T] {
	return func(res core.Response) (T, error) {
		var value T
		if err := json.Unmarshal(res.Body, &value); err != nil {
			return value, &core.DeserializationError{
				Target:     typeName[T](),
				StatusCode: res.StatusCode,
				Body:       res.Body,
				Err:        err,
			}
		}
		return value, nil
	}
}

// OptionalHeader returns a response header that the caller expects but can
// live without. A missing header is logged and reported as absent rather
// than failing the call.
func (e *Executor) OptionalHeader(ctx context.Context, res core.Response, name string) (string, bool) {
	value := res.Header(name)
	if value == "" {
		e.observer.Warn(ctx, "response header missing", map[string]any{
			"header":      name,
			"status_code": res.StatusCode,
		})
		return "", false
	}
	return value, true
}

func (e *Executor) run(ctx context.Context, factory core.RequestFactory, stream bool) (core.Response, *http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if factory == nil {
		return core.Response{}, nil, core.NewServiceError(
			"transport: request factory is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			nil,
		)
	}

	state := e.policy.Start()
	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return core.Response{}, nil, fmt.Errorf("transport: rate limiter wait: %w", err)
			}
		}

		req, err := factory(ctx)
		if err != nil {
			return core.Response{}, nil, core.WrapServiceError(
				err,
				goerrors.CategoryBadInput,
				"transport: build request",
				http.StatusBadRequest,
				map[string]any{"attempt": attempt},
			)
		}

		startedAt := e.now()
		res, live, err := e.attempt(ctx, req, stream)
		if err != nil {
			e.record(ctx, startedAt, 0, "transport_error")
			e.observer.Error(ctx, "request failed", map[string]any{
				"attempt": attempt,
				"method":  req.Method,
				"path":    req.Path,
				"error":   err.Error(),
			})
			return core.Response{}, nil, err
		}
		if live != nil {
			e.record(ctx, startedAt, live.StatusCode, "success")
			return core.Response{}, live, nil
		}
		res.Attempts = attempt

		failure := classify(res, e.now())
		if failure == nil {
			e.record(ctx, startedAt, res.StatusCode, "success")
			e.observer.Debug(ctx, "request completed", map[string]any{
				"attempt":     attempt,
				"status_code": res.StatusCode,
			})
			return res, nil, nil
		}

		var limited *ratelimit.RateLimitedError
		if !errors.As(failure, &limited) {
			e.record(ctx, startedAt, res.StatusCode, outcomeFor(failure))
			return core.Response{}, nil, failure
		}
		e.record(ctx, startedAt, res.StatusCode, "rate_limited")
		limited.Attempts = attempt

		decision := state.Next(limited.RetryAfter)
		fields := map[string]any{
			"attempt":     attempt,
			"status_code": res.StatusCode,
			"elapsed_ms":  decision.Elapsed.Milliseconds(),
		}
		if limited.API != nil && limited.API.Type != "" {
			fields["error_type"] = limited.API.Type
		}
		if !decision.Retry() {
			limited.Exhausted = true
			fields["reason"] = decision.Reason
			e.observer.Error(ctx, "rate limit retries exhausted", fields)
			return core.Response{}, nil, limited
		}

		fields["delay_ms"] = decision.Delay.Milliseconds()
		e.observer.Warn(ctx, "rate limited, retrying", fields)
		e.observer.Count(ctx, core.MetricRetriesTotal, map[string]string{"status": strconv.Itoa(res.StatusCode)})

		if err := e.sleep(ctx, decision.Delay); err != nil {
			return core.Response{}, nil, fmt.Errorf("transport: backoff wait interrupted: %w: %w", err, limited)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, req core.Request, stream bool) (core.Response, *http.Response, error) {
	if !stream {
		res, err := e.adapter.Send(ctx, req)
		return res, nil, err
	}
	live, err := e.adapter.Open(ctx, req)
	if err != nil {
		return core.Response{}, nil, err
	}
	if isSuccess(live.StatusCode) {
		return core.Response{}, live, nil
	}
	res, err := e.adapter.ReadResponse(live)
	return res, nil, err
}

func (e *Executor) record(ctx context.Context, startedAt time.Time, status int, outcome string) {
	tags := map[string]string{
		"status":  strconv.Itoa(status),
		"outcome": outcome,
	}
	e.observer.Count(ctx, core.MetricRequestsTotal, tags)
	e.observer.Observe(ctx, core.MetricRequestDuration, e.now().Sub(startedAt).Seconds(), tags)
}

// classify returns nil for a 2xx response, a *ratelimit.RateLimitedError for
// a retryable 429, and a permanent error for everything else.
func classify(res core.Response, now time.Time) error {
	if isSuccess(res.StatusCode) {
		return nil
	}
	apiErr, err := decodeAPIError(res)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusTooManyRequests && !apiErr.InsufficientQuota() {
		snapshot := ratelimit.ParseHeaders(res.Headers, now)
		return &ratelimit.RateLimitedError{
			API:        apiErr,
			RetryAfter: snapshot.RetryAfter,
			Snapshot:   snapshot,
		}
	}
	return apiErr
}

func decodeAPIError(res core.Response) (*core.APIError, error) {
	var envelope core.WrappedAPIError
	err := json.Unmarshal(res.Body, &envelope)
	if err == nil && envelope.Error == nil {
		err = errors.New("missing error object")
	}
	if err != nil {
		return nil, &core.DeserializationError{
			Target:     "api error envelope",
			StatusCode: res.StatusCode,
			Body:       res.Body,
			Err:        err,
		}
	}
	apiErr := envelope.Error
	apiErr.StatusCode = res.StatusCode
	apiErr.Headers = res.Headers
	return apiErr, nil
}

func outcomeFor(err error) string {
	var decodeErr *core.DeserializationError
	if errors.As(err, &decodeErr) {
		return "decode_error"
	}
	return "api_error"
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
