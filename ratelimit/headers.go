package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-apiclient/core"
)

// Snapshot is the rate limit state advertised by response headers.
type Snapshot struct {
	LimitRequests     int
	RemainingRequests int
	ResetRequests     time.Duration
	LimitTokens       int
	RemainingTokens   int
	ResetTokens       time.Duration
	RetryAfter        time.Duration
}

func (s Snapshot) metadata() map[string]any {
	out := map[string]any{}
	if s.LimitRequests > 0 {
		out["limit_requests"] = s.LimitRequests
		out["remaining_requests"] = s.RemainingRequests
	}
	if s.LimitTokens > 0 {
		out["limit_tokens"] = s.LimitTokens
		out["remaining_tokens"] = s.RemainingTokens
	}
	if s.ResetRequests > 0 {
		out["reset_requests_ms"] = s.ResetRequests.Milliseconds()
	}
	if s.ResetTokens > 0 {
		out["reset_tokens_ms"] = s.ResetTokens.Milliseconds()
	}
	if s.RetryAfter > 0 {
		out["retry_after_ms"] = s.RetryAfter.Milliseconds()
	}
	return out
}

// ParseHeaders reads the x-ratelimit-* family and the retry hint.
func ParseHeaders(headers map[string]string, now time.Time) Snapshot {
	snapshot := Snapshot{}
	snapshot.LimitRequests, _ = parseHeaderInt(headers, "x-ratelimit-limit-requests")
	snapshot.RemainingRequests, _ = parseHeaderInt(headers, "x-ratelimit-remaining-requests")
	snapshot.LimitTokens, _ = parseHeaderInt(headers, "x-ratelimit-limit-tokens")
	snapshot.RemainingTokens, _ = parseHeaderInt(headers, "x-ratelimit-remaining-tokens")
	snapshot.ResetRequests, _ = parseResetDuration(core.HeaderValue(headers, "x-ratelimit-reset-requests"))
	snapshot.ResetTokens, _ = parseResetDuration(core.HeaderValue(headers, "x-ratelimit-reset-tokens"))
	snapshot.RetryAfter, _ = ParseRetryAfter(headers, now)
	return snapshot
}

// ParseRetryAfter resolves the server retry hint. retry-after-ms wins over
// retry-after, which may be integer seconds or an HTTP date.
func ParseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	if raw := core.HeaderValue(headers, "retry-after-ms"); raw != "" {
		if millis, err := strconv.ParseFloat(raw, 64); err == nil && millis > 0 {
			return time.Duration(millis * float64(time.Millisecond)), true
		}
	}
	raw := core.HeaderValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	raw := core.HeaderValue(headers, key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// parseResetDuration accepts Go style durations ("1s", "6m0s") and bare
// seconds.
func parseResetDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed, parsed > 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second)), true
	}
	return 0, false
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ratelimit: empty date")
	}
	if parsed, err := time.Parse(time.RFC1123, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123Z, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("ratelimit: invalid http date")
}
