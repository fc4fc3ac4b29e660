package ratelimit

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goliatone/go-apiclient/core"
)

// Config parameterizes the exponential backoff applied to transient
// failures.
type Config struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
	// MaxElapsedTime bounds the retry window. Nil or negative means
	// unbounded; zero means the first transient failure is final.
	MaxElapsedTime *time.Duration
	// MaxRetryAfter caps server supplied delays. A larger hint stops the
	// retries instead of waiting. Zero disables the cap.
	MaxRetryAfter time.Duration
}

func DefaultConfig() Config {
	return ConfigFrom(core.DefaultBackoffConfig())
}

// ConfigFrom converts the layered client configuration.
func ConfigFrom(cfg core.BackoffConfig) Config {
	out := Config{
		InitialInterval:     cfg.InitialInterval,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
		RandomizationFactor: core.DefaultRandomizationFactor,
		MaxRetryAfter:       cfg.MaxRetryAfter,
	}
	if cfg.RandomizationFactor != nil {
		out.RandomizationFactor = *cfg.RandomizationFactor
	}
	if cfg.MaxElapsedTime != nil {
		out.MaxElapsedTime = core.DurationPtr(*cfg.MaxElapsedTime)
	}
	return out
}

func (c Config) normalized() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = core.DefaultInitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = core.DefaultMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = core.DefaultMaxInterval
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = 0
	}
	if c.RandomizationFactor > 1 {
		c.RandomizationFactor = 1
	}
	return c
}

// Interval is the un-jittered delay before retry number attempt (zero
// based): min(initial * multiplier^attempt, max_interval).
func (c Config) Interval(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt))
	if math.IsInf(scaled, 0) || scaled >= float64(c.MaxInterval) {
		return c.MaxInterval
	}
	return time.Duration(scaled)
}

func (c Config) bounded() (time.Duration, bool) {
	if c.MaxElapsedTime == nil || *c.MaxElapsedTime < 0 {
		return 0, false
	}
	return *c.MaxElapsedTime, true
}

// Policy is a reusable backoff strategy. It holds no per-call state and can
// be shared by concurrent calls; each call starts its own State.
type Policy struct {
	config Config
	Now    func() time.Time
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{config: cfg.normalized(), Now: time.Now}
}

func (p *Policy) Config() Config {
	if p == nil {
		return DefaultConfig().normalized()
	}
	return p.config
}

// Start begins the retry budget for one call.
func (p *Policy) Start() *State {
	cfg := p.Config()
	now := time.Now
	if p != nil && p.Now != nil {
		now = p.Now
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	b.RandomizationFactor = cfg.RandomizationFactor
	b.Reset()
	return &State{config: cfg, backoff: b, now: now, startedAt: now()}
}

// Action is the outcome of consulting the policy.
type Action string

const (
	ActionRetry Action = "retry"
	ActionStop  Action = "stop"
)

// Decision tells the caller whether to retry and how long to wait.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
	Elapsed time.Duration
	Reason  string
}

func (d Decision) Retry() bool {
	return d.Action == ActionRetry
}

// State tracks the retry budget of a single call. It is not safe for
// concurrent use.
type State struct {
	config    Config
	backoff   *backoff.ExponentialBackOff
	now       func() time.Time
	startedAt time.Time
	attempts  int
}

// Attempts returns how many transient failures have been recorded.
func (s *State) Attempts() int {
	if s == nil {
		return 0
	}
	return s.attempts
}

// Next records a transient failure and decides what happens next.
// retryAfter is the server hint; when positive it replaces the computed
// delay.
func (s *State) Next(retryAfter time.Duration) Decision {
	s.attempts++
	elapsed := s.now().Sub(s.startedAt)
	decision := Decision{Attempt: s.attempts, Elapsed: elapsed}

	limit, bounded := s.config.bounded()
	if bounded && elapsed >= limit {
		decision.Action = ActionStop
		decision.Reason = "max elapsed time reached"
		return decision
	}

	delay := s.backoff.NextBackOff()
	if retryAfter > 0 {
		if s.config.MaxRetryAfter > 0 && retryAfter > s.config.MaxRetryAfter {
			decision.Action = ActionStop
			decision.Delay = retryAfter
			decision.Reason = "retry-after exceeds policy bound"
			return decision
		}
		delay = retryAfter
	}

	if bounded && elapsed+delay > limit {
		decision.Action = ActionStop
		decision.Delay = delay
		decision.Reason = "max elapsed time reached"
		return decision
	}

	decision.Action = ActionRetry
	decision.Delay = delay
	return decision
}
