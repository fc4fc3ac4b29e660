package apiclient

import (
	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/ratelimit"
	"github.com/goliatone/go-apiclient/sse"
	"github.com/goliatone/go-apiclient/webhooks"
)

type Config = core.Config

type BackoffConfig = core.BackoffConfig
type StreamConfig = core.StreamConfig
type WebhookConfig = core.WebhookConfig

type Option = core.Option

type Request = core.Request
type RequestFactory = core.RequestFactory
type Response = core.Response
type Body = core.Body

type APIError = core.APIError
type DeserializationError = core.DeserializationError
type RateLimitedError = ratelimit.RateLimitedError

type Frame = sse.Frame
type FrameDecoder[T any] = sse.FrameDecoder[T]
type EventStream[T any] = sse.Stream[T]
type Union[T any] = sse.Union[T]

type Delivery = webhooks.Delivery
type DeliveryLedger = webhooks.DeliveryLedger
type WebhookHandler = webhooks.Handler

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithHTTPClient      = core.WithHTTPClient
	WithRateLimiter     = core.WithRateLimiter
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithClock           = core.WithClock

	JSONBody      = core.JSONBody
	RawBody       = core.RawBody
	MultipartBody = core.MultipartBody
	StaticRequest = core.StaticRequest

	MapError = core.MapError
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Verify checks a webhook signature without a replay window.
func Verify(body []byte, signature, timestamp, deliveryID, secret string) error {
	return webhooks.Verify(body, signature, timestamp, deliveryID, secret)
}

// BuildEvent verifies a webhook delivery and decodes it into T.
func BuildEvent[T any](body []byte, signature, timestamp, deliveryID, secret string) (T, error) {
	return webhooks.BuildEvent[T](body, signature, timestamp, deliveryID, secret)
}
