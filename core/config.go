package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultServiceName          = "apiclient"
	DefaultAuthHeader           = "Authorization"
	DefaultAuthScheme           = "Bearer"
	DefaultMaxResponseBodyBytes = int64(16 << 20)

	DefaultInitialInterval     = 500 * time.Millisecond
	DefaultMultiplier          = 1.5
	DefaultMaxInterval         = 60 * time.Second
	DefaultMaxElapsedTime      = 15 * time.Minute
	DefaultRandomizationFactor = 0.5

	DefaultStreamBufferSize = 16
	DefaultMaxFrameBytes    = 4 << 20

	DefaultSignatureHeader  = "webhook-signature"
	DefaultTimestampHeader  = "webhook-timestamp"
	DefaultIDHeader         = "webhook-id"
	DefaultWebhookTolerance = 5 * time.Minute
	DefaultWebhookAttempts  = 5
	DefaultClaimLease       = time.Minute
)

// BackoffConfig drives the 429 retry schedule. MaxElapsedTime bounds the
// total retry window: zero disables retries and a negative value removes the
// bound. RandomizationFactor zero disables jitter. MaxRetryAfter caps a server
// supplied retry delay; zero disables the cap. Nil pointers keep the layered
// default.
type BackoffConfig struct {
	InitialInterval     time.Duration  `koanf:"initial_interval" mapstructure:"initial_interval"`
	Multiplier          float64        `koanf:"multiplier" mapstructure:"multiplier"`
	MaxInterval         time.Duration  `koanf:"max_interval" mapstructure:"max_interval"`
	MaxElapsedTime      *time.Duration `koanf:"max_elapsed_time" mapstructure:"max_elapsed_time"`
	RandomizationFactor *float64       `koanf:"randomization_factor" mapstructure:"randomization_factor"`
	MaxRetryAfter       time.Duration  `koanf:"max_retry_after" mapstructure:"max_retry_after"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `koanf:"burst" mapstructure:"burst"`
}

type StreamConfig struct {
	BufferSize    int `koanf:"buffer_size" mapstructure:"buffer_size"`
	MaxFrameBytes int `koanf:"max_frame_bytes" mapstructure:"max_frame_bytes"`
}

// WebhookConfig configures inbound verification. A zero Tolerance disables
// the replay window; nil keeps the layered default.
type WebhookConfig struct {
	Secret          string         `koanf:"secret" mapstructure:"secret"`
	SignatureHeader string         `koanf:"signature_header" mapstructure:"signature_header"`
	TimestampHeader string         `koanf:"timestamp_header" mapstructure:"timestamp_header"`
	IDHeader        string         `koanf:"id_header" mapstructure:"id_header"`
	Tolerance       *time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
	MaxAttempts     int            `koanf:"max_attempts" mapstructure:"max_attempts"`
	ClaimLease      time.Duration  `koanf:"claim_lease" mapstructure:"claim_lease"`
}

type Config struct {
	ServiceName          string            `koanf:"service_name" mapstructure:"service_name"`
	BaseURL              string            `koanf:"base_url" mapstructure:"base_url"`
	APIKey               string            `koanf:"api_key" mapstructure:"api_key"`
	AuthHeader           string            `koanf:"auth_header" mapstructure:"auth_header"`
	AuthScheme           string            `koanf:"auth_scheme" mapstructure:"auth_scheme"`
	UserAgent            string            `koanf:"user_agent" mapstructure:"user_agent"`
	DefaultHeaders       map[string]string `koanf:"default_headers" mapstructure:"default_headers"`
	Timeout              time.Duration     `koanf:"timeout" mapstructure:"timeout"`
	MaxResponseBodyBytes int64             `koanf:"max_response_body_bytes" mapstructure:"max_response_body_bytes"`
	Backoff              BackoffConfig     `koanf:"backoff" mapstructure:"backoff"`
	RateLimit            RateLimitConfig   `koanf:"rate_limit" mapstructure:"rate_limit"`
	Stream               StreamConfig      `koanf:"stream" mapstructure:"stream"`
	Webhooks             WebhookConfig     `koanf:"webhooks" mapstructure:"webhooks"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:          DefaultServiceName,
		AuthHeader:           DefaultAuthHeader,
		AuthScheme:           DefaultAuthScheme,
		MaxResponseBodyBytes: DefaultMaxResponseBodyBytes,
		Backoff:              DefaultBackoffConfig(),
		Stream: StreamConfig{
			BufferSize:    DefaultStreamBufferSize,
			MaxFrameBytes: DefaultMaxFrameBytes,
		},
		Webhooks: WebhookConfig{
			SignatureHeader: DefaultSignatureHeader,
			TimestampHeader: DefaultTimestampHeader,
			IDHeader:        DefaultIDHeader,
			Tolerance:       DurationPtr(DefaultWebhookTolerance),
			MaxAttempts:     DefaultWebhookAttempts,
			ClaimLease:      DefaultClaimLease,
		},
	}
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     DefaultInitialInterval,
		Multiplier:          DefaultMultiplier,
		MaxInterval:         DefaultMaxInterval,
		MaxElapsedTime:      DurationPtr(DefaultMaxElapsedTime),
		RandomizationFactor: FloatPtr(DefaultRandomizationFactor),
	}
}

func DurationPtr(d time.Duration) *time.Duration {
	return &d
}

func FloatPtr(f float64) *float64 {
	return &f
}

// ToleranceOrDefault returns the configured replay window.
func (c WebhookConfig) ToleranceOrDefault() time.Duration {
	if c.Tolerance == nil {
		return DefaultWebhookTolerance
	}
	return *c.Tolerance
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: base_url %q is invalid", c.BaseURL)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("core: timeout must not be negative")
	}
	if c.MaxResponseBodyBytes < 0 {
		return fmt.Errorf("core: max_response_body_bytes must not be negative")
	}
	if err := c.Backoff.Validate(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("core: rate_limit values must not be negative")
	}
	if c.Stream.BufferSize < 0 || c.Stream.MaxFrameBytes < 0 {
		return fmt.Errorf("core: stream values must not be negative")
	}
	if (c.Webhooks.Tolerance != nil && *c.Webhooks.Tolerance < 0) || c.Webhooks.ClaimLease < 0 || c.Webhooks.MaxAttempts < 0 {
		return fmt.Errorf("core: webhooks values must not be negative")
	}
	return nil
}

func (c BackoffConfig) Validate() error {
	if c.InitialInterval < 0 || c.MaxInterval < 0 || c.MaxRetryAfter < 0 {
		return fmt.Errorf("core: backoff intervals must not be negative")
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return fmt.Errorf("core: backoff multiplier must be at least 1")
	}
	if f := c.RandomizationFactor; f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("core: backoff randomization_factor must be within [0,1]")
	}
	return nil
}
