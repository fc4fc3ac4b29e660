package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/internal/json"
	"github.com/goliatone/go-apiclient/ratelimit"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
	DeliveryStatusDead       = "dead"
)

var ErrDeliveryIDRequired = errors.New("webhooks: delivery id is required for dedupe")

// Delivery is one inbound webhook request.
type Delivery struct {
	Envelope
	// Source names the sender; ledger keys are scoped by it.
	Source  string
	Headers map[string]string
}

type DeliveryRecord struct {
	ID             string
	ClaimID        string
	Source         string
	DeliveryID     string
	Status         string
	Attempts       int
	LastError      string
	LeaseExpiresAt *time.Time
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryLedger dedupes deliveries. Claim returns claimed=false when the
// delivery is already processed, dead, or held by an unexpired lease.
type DeliveryLedger interface {
	Claim(
		ctx context.Context,
		source string,
		deliveryID string,
		payload []byte,
		lease time.Duration,
	) (DeliveryRecord, bool, error)
	Get(ctx context.Context, source string, deliveryID string) (DeliveryRecord, error)
	Complete(ctx context.Context, claimID string) error
	// Fail releases the claim. The record goes dead once its attempts reach
	// maxAttempts, otherwise it becomes retry_ready.
	Fail(ctx context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error
}

type Verifier interface {
	Verify(ctx context.Context, delivery Delivery) error
}

type DeliveryIDExtractor func(delivery Delivery) (string, error)

type Result struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type Handler interface {
	Handle(ctx context.Context, delivery Delivery) (Result, error)
}

type HandlerFunc func(ctx context.Context, delivery Delivery) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, delivery Delivery) (Result, error) {
	return f(ctx, delivery)
}

// EventHandler decodes the body into T before calling fn. A body that does
// not decode fails with a *PayloadError and is not retried.
func EventHandler[T any](fn func(ctx context.Context, event T, delivery Delivery) error) Handler {
	return HandlerFunc(func(ctx context.Context, delivery Delivery) (Result, error) {
		var event T
		if err := json.Unmarshal(delivery.Body, &event); err != nil {
			return Result{}, &PayloadError{Body: delivery.Body, Err: err}
		}
		if err := fn(ctx, event, delivery); err != nil {
			return Result{}, err
		}
		return Result{Accepted: true, StatusCode: http.StatusOK}, nil
	})
}

type Processor struct {
	Verifier  Verifier
	Ledger    DeliveryLedger
	Handler   Handler
	ExtractID DeliveryIDExtractor
	Burst     BurstController
	// Retry schedules next_attempt_at from the attempt count.
	Retry ratelimit.Config
	// AllowAcceptedServerErrors changes default retry behavior for accepted 5xx handler responses.
	// Default (false): accepted 5xx responses are treated as retryable errors.
	AllowAcceptedServerErrors bool
	ClaimLease                time.Duration
	MaxAttempts               int
	Now                       func() time.Time
	Observer                  core.Observer
}

func NewProcessor(verifier Verifier, ledger DeliveryLedger, handler Handler) *Processor {
	return &Processor{
		Verifier:    verifier,
		Ledger:      ledger,
		Handler:     handler,
		ExtractID:   DefaultDeliveryIDExtractor,
		Retry:       ratelimit.DefaultConfig(),
		ClaimLease:  core.DefaultClaimLease,
		MaxAttempts: core.DefaultWebhookAttempts,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		Observer: core.NewObserver(glog.Nop(), nil),
	}
}

// Configure applies the webhooks section of the client configuration.
func (p *Processor) Configure(cfg core.WebhookConfig, backoff core.BackoffConfig) *Processor {
	if cfg.ClaimLease > 0 {
		p.ClaimLease = cfg.ClaimLease
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	p.Retry = ratelimit.ConfigFrom(backoff)
	return p
}

func (p *Processor) Process(ctx context.Context, delivery Delivery) (Result, error) {
	if p == nil || p.Handler == nil || p.Ledger == nil {
		return Result{}, fmt.Errorf("webhooks: processor requires handler and ledger")
	}
	source := strings.TrimSpace(delivery.Source)
	if source == "" {
		source = "default"
	}
	delivery.Source = source

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, delivery); err != nil {
			p.Observer.Warn(ctx, "webhook signature rejected", map[string]any{
				"source":      source,
				"delivery_id": delivery.DeliveryID,
				"error":       err.Error(),
			})
			p.count(ctx, source, "rejected")
			return Result{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata: map[string]any{
					"source":   source,
					"rejected": true,
				},
			}, err
		}
	}

	extractor := p.ExtractID
	if extractor == nil {
		extractor = DefaultDeliveryIDExtractor
	}
	deliveryID, err := extractor(delivery)
	if err != nil {
		return Result{StatusCode: http.StatusBadRequest}, err
	}

	record, claimed, err := p.Ledger.Claim(ctx, source, deliveryID, delivery.Body, p.claimLease())
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		p.count(ctx, source, "deduped")
		return Result{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"source":      source,
				"delivery_id": record.DeliveryID,
				"status":      record.Status,
				"deduped":     true,
			},
		}, nil
	}

	if p.Burst != nil {
		decision, burstErr := p.Burst.Allow(ctx, delivery)
		if burstErr != nil {
			return Result{}, burstErr
		}
		if !decision.Allow {
			if markErr := p.Ledger.Complete(ctx, record.ClaimID); markErr != nil {
				return Result{}, markErr
			}
			p.count(ctx, source, "coalesced")
			metadata := ensureMetadata(decision.Metadata)
			metadata["source"] = source
			metadata["delivery_id"] = deliveryID
			metadata["deduped"] = true
			return Result{
				Accepted:   true,
				StatusCode: http.StatusOK,
				Metadata:   metadata,
			}, nil
		}
	}

	result, err := p.Handler.Handle(ctx, delivery)
	if err != nil {
		var payloadErr *PayloadError
		if errors.As(err, &payloadErr) {
			// schema mismatches never heal on redelivery
			if failErr := p.Ledger.Fail(ctx, record.ClaimID, err, p.now(), record.Attempts); failErr != nil {
				p.Observer.Error(ctx, "webhook delivery state update failed", map[string]any{
					"delivery_id": record.DeliveryID,
					"error":       failErr.Error(),
				})
			}
			p.count(ctx, source, "invalid_payload")
			return Result{StatusCode: http.StatusBadRequest}, err
		}
		p.fail(ctx, record, err)
		return Result{StatusCode: http.StatusInternalServerError}, err
	}

	retryableServerFailure := result.StatusCode >= http.StatusInternalServerError &&
		(!result.Accepted || !p.AllowAcceptedServerErrors)
	if !result.Accepted || retryableServerFailure {
		retryErr := fmt.Errorf("webhooks: delivery handler returned retryable status %d", result.StatusCode)
		p.fail(ctx, record, retryErr)
		return result, retryErr
	}

	if err := p.Ledger.Complete(ctx, record.ClaimID); err != nil {
		return Result{}, err
	}
	p.count(ctx, source, "processed")
	result.Metadata = ensureMetadata(result.Metadata)
	result.Metadata["source"] = source
	result.Metadata["delivery_id"] = deliveryID
	return result, nil
}

func (p *Processor) fail(ctx context.Context, record DeliveryRecord, cause error) {
	next := p.now().Add(p.Retry.Interval(record.Attempts - 1))
	if err := p.Ledger.Fail(ctx, record.ClaimID, cause, next, p.maxAttempts()); err != nil {
		p.Observer.Error(ctx, "webhook delivery state update failed", map[string]any{
			"delivery_id": record.DeliveryID,
			"error":       err.Error(),
		})
	}
	p.Observer.Warn(ctx, "webhook delivery failed", map[string]any{
		"source":          record.Source,
		"delivery_id":     record.DeliveryID,
		"attempt":         record.Attempts,
		"next_attempt_at": next,
		"error":           cause.Error(),
	})
	p.count(ctx, record.Source, "failed")
}

func (p *Processor) count(ctx context.Context, source, outcome string) {
	p.Observer.Count(ctx, core.MetricWebhooksTotal, map[string]string{
		"source":  source,
		"outcome": outcome,
	})
}

// DefaultDeliveryIDExtractor uses the verified envelope id, falling back to
// common delivery id headers.
func DefaultDeliveryIDExtractor(delivery Delivery) (string, error) {
	if value := strings.TrimSpace(delivery.DeliveryID); value != "" {
		return value, nil
	}
	return HeaderDeliveryIDExtractor(core.DefaultIDHeader, "x-delivery-id", "x-request-id")(delivery)
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(delivery Delivery) (string, error) {
		for _, key := range keys {
			if value := core.HeaderValue(delivery.Headers, key); value != "" {
				return value, nil
			}
		}
		return "", ErrDeliveryIDRequired
	}
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) claimLease() time.Duration {
	if p != nil && p.ClaimLease > 0 {
		return p.ClaimLease
	}
	return core.DefaultClaimLease
}

func (p *Processor) maxAttempts() int {
	if p != nil && p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return core.DefaultWebhookAttempts
}

func ensureMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return metadata
}
