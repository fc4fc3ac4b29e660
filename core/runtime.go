package core

import (
	"context"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/time/rate"
)

// Runtime is the resolved configuration plus the collaborators shared by the
// executor, stream adapter and webhook verifier.
type Runtime struct {
	Config         Config
	Logger         Logger
	LoggerProvider LoggerProvider
	Metrics        MetricsRecorder
	HTTPClient     HTTPDoer
	Limiter        *rate.Limiter
	ErrorMapper    ErrorMapper
	Now            func() time.Time
}

func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	builder := defaultRuntimeBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(DefaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(DefaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = time.Now
	}
	if builder.httpClient == nil {
		builder.httpClient = &http.Client{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	limiter := builder.limiter
	if limiter == nil && finalConfig.RateLimit.RequestsPerSecond > 0 {
		burst := finalConfig.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(finalConfig.RateLimit.RequestsPerSecond), burst)
	}

	return &Runtime{
		Config:         finalConfig,
		Logger:         logger,
		LoggerProvider: provider,
		Metrics:        builder.metricsRecorder,
		HTTPClient:     builder.httpClient,
		Limiter:        limiter,
		ErrorMapper:    builder.errorMapper,
		Now:            builder.now,
	}, nil
}

// NamedLogger returns the component logger `apiclient.<name>`, falling back
// to the root logger.
func (r *Runtime) NamedLogger(name string) Logger {
	if r == nil {
		return glog.Nop()
	}
	name = strings.TrimSpace(name)
	if r.LoggerProvider != nil && name != "" {
		if named := r.LoggerProvider.GetLogger(DefaultServiceName + "." + name); named != nil {
			return named
		}
	}
	return glog.Ensure(r.Logger)
}

// Observer builds an Observer for the named component.
func (r *Runtime) Observer(name string) Observer {
	if r == nil {
		return NewObserver(glog.Nop(), nil)
	}
	return NewObserver(r.NamedLogger(name), r.Metrics)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
