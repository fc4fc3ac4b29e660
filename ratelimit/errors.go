package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-apiclient/core"
	goerrors "github.com/goliatone/go-errors"
)

// RateLimitedError is the transient failure raised for a 429 that is not a
// quota exhaustion. When retries run out it is surfaced with the last API
// error so callers see the real cause.
type RateLimitedError struct {
	API        *core.APIError
	RetryAfter time.Duration
	Snapshot   Snapshot
	Attempts   int
	Exhausted  bool
}

func (e *RateLimitedError) Error() string {
	if e == nil {
		return "ratelimit: rate limited"
	}
	message := "ratelimit: rate limited"
	if e.Exhausted {
		message = fmt.Sprintf("ratelimit: rate limited after %d attempts", e.Attempts)
	}
	if e.API != nil {
		return message + ": " + e.API.Error()
	}
	return message
}

func (e *RateLimitedError) Unwrap() error {
	if e == nil || e.API == nil {
		return nil
	}
	return e.API
}

func (e *RateLimitedError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := e.Snapshot.metadata()
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	if e.Attempts > 0 {
		metadata["attempts"] = e.Attempts
	}
	if e.API != nil {
		if e.API.Type != "" {
			metadata["type"] = e.API.Type
		}
		if e.API.Code != "" {
			metadata["code"] = e.API.Code
		}
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

var _ core.ServiceErrorConverter = (*RateLimitedError)(nil)
