package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
	"golang.org/x/time/rate"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type runtimeBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	httpClient      HTTPDoer
	limiter         *rate.Limiter
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	now             func() time.Time
}

type Option func(*runtimeBuilder)

func WithLogger(logger Logger) Option {
	return func(b *runtimeBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *runtimeBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *runtimeBuilder) {
		b.metricsRecorder = recorder
	}
}

// WithHTTPClient replaces the transport used for every outbound call.
func WithHTTPClient(client HTTPDoer) Option {
	return func(b *runtimeBuilder) {
		b.httpClient = client
	}
}

// WithRateLimiter paces attempts on the client side. It takes precedence
// over the rate_limit config section.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(b *runtimeBuilder) {
		b.limiter = limiter
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *runtimeBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *runtimeBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *runtimeBuilder) {
		b.optionsResolver = resolver
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *runtimeBuilder) {
		b.now = now
	}
}

func defaultRuntimeBuilder(runtime Config) runtimeBuilder {
	return runtimeBuilder{
		runtimeConfig:   runtime,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     MapError,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now:             time.Now,
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

// StaticConfigLoader serves a fixed raw configuration map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded config < runtime overrides.
// Zero values in the loaded and runtime layers never override, except for
// pointer fields that are set.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString(layer, "service_name", cfg.ServiceName, includeZero)
	setString(layer, "base_url", cfg.BaseURL, includeZero)
	setString(layer, "api_key", cfg.APIKey, includeZero)
	setString(layer, "auth_header", cfg.AuthHeader, includeZero)
	setString(layer, "auth_scheme", cfg.AuthScheme, includeZero)
	setString(layer, "user_agent", cfg.UserAgent, includeZero)
	if includeZero || len(cfg.DefaultHeaders) > 0 {
		headers := make(map[string]any, len(cfg.DefaultHeaders))
		for key, value := range cfg.DefaultHeaders {
			headers[key] = value
		}
		layer["default_headers"] = headers
	}
	setNumber(layer, "timeout", cfg.Timeout, includeZero)
	setNumber(layer, "max_response_body_bytes", cfg.MaxResponseBodyBytes, includeZero)

	backoff := map[string]any{}
	setNumber(backoff, "initial_interval", cfg.Backoff.InitialInterval, includeZero)
	setNumber(backoff, "multiplier", cfg.Backoff.Multiplier, includeZero)
	setNumber(backoff, "max_interval", cfg.Backoff.MaxInterval, includeZero)
	if cfg.Backoff.MaxElapsedTime != nil {
		backoff["max_elapsed_time"] = *cfg.Backoff.MaxElapsedTime
	}
	if cfg.Backoff.RandomizationFactor != nil {
		backoff["randomization_factor"] = *cfg.Backoff.RandomizationFactor
	}
	setNumber(backoff, "max_retry_after", cfg.Backoff.MaxRetryAfter, includeZero)
	setSection(layer, "backoff", backoff, includeZero)

	rateLimit := map[string]any{}
	setNumber(rateLimit, "requests_per_second", cfg.RateLimit.RequestsPerSecond, includeZero)
	setNumber(rateLimit, "burst", cfg.RateLimit.Burst, includeZero)
	setSection(layer, "rate_limit", rateLimit, includeZero)

	stream := map[string]any{}
	setNumber(stream, "buffer_size", cfg.Stream.BufferSize, includeZero)
	setNumber(stream, "max_frame_bytes", cfg.Stream.MaxFrameBytes, includeZero)
	setSection(layer, "stream", stream, includeZero)

	webhooks := map[string]any{}
	setString(webhooks, "secret", cfg.Webhooks.Secret, includeZero)
	setString(webhooks, "signature_header", cfg.Webhooks.SignatureHeader, includeZero)
	setString(webhooks, "timestamp_header", cfg.Webhooks.TimestampHeader, includeZero)
	setString(webhooks, "id_header", cfg.Webhooks.IDHeader, includeZero)
	if cfg.Webhooks.Tolerance != nil {
		webhooks["tolerance"] = *cfg.Webhooks.Tolerance
	}
	setNumber(webhooks, "max_attempts", cfg.Webhooks.MaxAttempts, includeZero)
	setNumber(webhooks, "claim_lease", cfg.Webhooks.ClaimLease, includeZero)
	setSection(layer, "webhooks", webhooks, includeZero)
	return layer
}

func setString(layer map[string]any, key, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func setNumber[T ~int | ~int64 | ~float64](layer map[string]any, key string, value T, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func setSection(layer map[string]any, key string, section map[string]any, includeZero bool) {
	if includeZero || len(section) > 0 {
		layer[key] = section
	}
}
