package apiclient

import (
	"context"
	"time"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/ratelimit"
	"github.com/goliatone/go-apiclient/sse"
	"github.com/goliatone/go-apiclient/transport"
	"github.com/goliatone/go-apiclient/webhooks"
)

// Client composes the request executor, the stream adapter and the webhook
// verifier over one resolved runtime. It is safe for concurrent use.
type Client struct {
	runtime  *core.Runtime
	executor *transport.Executor
}

func New(cfg Config, opts ...Option) (*Client, error) {
	runtime, err := core.NewRuntime(cfg, opts...)
	if err != nil {
		return nil, err
	}

	adapter := transport.NewRESTAdapter(runtime.HTTPClient, runtime.Config.BaseURL)
	adapter.DefaultHeaders = transport.HeadersFromConfig(runtime.Config)
	if runtime.Config.MaxResponseBodyBytes > 0 {
		adapter.MaxResponseBodyBytes = runtime.Config.MaxResponseBodyBytes
	}

	policy := ratelimit.NewPolicy(ratelimit.ConfigFrom(runtime.Config.Backoff))
	policy.Now = runtime.Now

	executor := transport.NewExecutor(
		adapter,
		transport.WithPolicy(policy),
		transport.WithLimiter(runtime.Limiter),
		transport.WithObserver(runtime.Observer("transport")),
		transport.WithClock(runtime.Now),
	)
	return &Client{runtime: runtime, executor: executor}, nil
}

func (c *Client) Config() Config {
	return c.runtime.Config
}

func (c *Client) Runtime() *core.Runtime {
	return c.runtime
}

func (c *Client) Executor() *transport.Executor {
	return c.executor
}

// Do runs the call, retrying rate limited attempts, and returns the fully
// read 2xx response.
func (c *Client) Do(ctx context.Context, factory RequestFactory) (Response, error) {
	return c.executor.Do(ctx, c.withTimeout(factory))
}

// Bytes runs the call and returns the raw 2xx body.
func (c *Client) Bytes(ctx context.Context, factory RequestFactory) ([]byte, error) {
	return transport.ExecuteBytes(ctx, c.executor, c.withTimeout(factory))
}

// OptionalHeader reads a response header, logging a warning when it is
// missing instead of failing the call.
func (c *Client) OptionalHeader(ctx context.Context, res Response, name string) (string, bool) {
	return c.executor.OptionalHeader(ctx, res, name)
}

// Call runs the call and decodes the JSON response into T.
func Call[T any](ctx context.Context, c *Client, factory RequestFactory) (T, error) {
	return transport.Execute[T](ctx, c.executor, c.withTimeout(factory))
}

// Stream opens an SSE response where every frame carries one T.
func Stream[T any](ctx context.Context, c *Client, factory RequestFactory, opts ...sse.Option) (*sse.Stream[T], error) {
	return openStream(ctx, c, factory, sse.JSON[T](), opts)
}

// StreamEvents opens an SSE response whose frames are decoded by union.
func StreamEvents[T any](
	ctx context.Context,
	c *Client,
	factory RequestFactory,
	union *sse.Union[T],
	opts ...sse.Option,
) (*sse.Stream[T], error) {
	if union == nil {
		union = sse.NewUnion[T]()
	}
	return openStream(ctx, c, factory, union.Decoder(), opts)
}

// StreamWith opens an SSE response decoded by a caller supplied decoder.
func StreamWith[T any](
	ctx context.Context,
	c *Client,
	factory RequestFactory,
	decode sse.FrameDecoder[T],
	opts ...sse.Option,
) (*sse.Stream[T], error) {
	return openStream(ctx, c, factory, decode, opts)
}

func openStream[T any](
	ctx context.Context,
	c *Client,
	factory RequestFactory,
	decode sse.FrameDecoder[T],
	opts []sse.Option,
) (*sse.Stream[T], error) {
	// The configured timeout does not apply to streams; ctx bounds them.
	res, err := c.executor.Open(ctx, factory)
	if err != nil {
		return nil, err
	}
	streamOpts := make([]sse.Option, 0, len(opts)+2)
	streamOpts = append(streamOpts,
		sse.WithConfig(c.runtime.Config.Stream),
		sse.WithObserver(c.runtime.Observer("sse")),
	)
	streamOpts = append(streamOpts, opts...)
	return sse.NewStream(ctx, res.Body, decode, streamOpts...), nil
}

// Verifier returns a signature verifier bound to the configured secret and
// tolerance.
func (c *Client) Verifier() *webhooks.SignatureVerifier {
	verifier := webhooks.NewSignatureVerifier(c.runtime.Config.Webhooks)
	verifier.Now = c.runtime.Now
	return verifier
}

// WebhookProcessor wires handler behind signature verification and ledger
// dedupe. A nil ledger uses an in-memory one.
func (c *Client) WebhookProcessor(handler WebhookHandler, ledger DeliveryLedger) *webhooks.Processor {
	if ledger == nil {
		ledger = webhooks.NewMemoryLedger()
	}
	processor := webhooks.NewProcessor(c.Verifier(), ledger, handler).
		Configure(c.runtime.Config.Webhooks, c.runtime.Config.Backoff)
	processor.Observer = c.runtime.Observer("webhooks")
	processor.Now = func() time.Time {
		return c.runtime.Now().UTC()
	}
	return processor
}

// WebhookEndpoint returns the http.Handler for one webhook source.
func (c *Client) WebhookEndpoint(source string, handler WebhookHandler, ledger DeliveryLedger) *webhooks.HTTPHandler {
	return webhooks.NewHTTPHandler(
		c.WebhookProcessor(handler, ledger),
		source,
		webhooks.HeaderNamesFromConfig(c.runtime.Config.Webhooks),
	)
}

func (c *Client) withTimeout(factory RequestFactory) RequestFactory {
	timeout := c.runtime.Config.Timeout
	if factory == nil || timeout <= 0 {
		return factory
	}
	return func(ctx context.Context) (Request, error) {
		req, err := factory(ctx)
		if err == nil && req.Timeout <= 0 {
			req.Timeout = timeout
		}
		return req, err
	}
}
