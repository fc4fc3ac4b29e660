package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/internal/json"
	goerrors "github.com/goliatone/go-errors"
)

const (
	SecretPrefix     = "whsec_"
	SignatureVersion = "v1"
)

var (
	// ErrInvalidSignature covers every authentication failure, including an
	// unusable secret.
	ErrInvalidSignature error = &authError{message: "webhooks: invalid signature"}
	// ErrInvalidTimestamp is returned by SignatureVerifier when the delivery
	// falls outside the tolerance window.
	ErrInvalidTimestamp error = &authError{message: "webhooks: invalid timestamp"}
)

type authError struct {
	message string
}

func (e *authError) Error() string {
	return e.message
}

func (e *authError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.ErrorInvalidSignature)
}

// Envelope is what a delivery carries for verification.
type Envelope struct {
	Body       []byte
	Signature  string
	Timestamp  string
	DeliveryID string
}

// Verify checks signature against base64(HMAC-SHA256(secret, id.ts.body)).
// The header may hold several space separated "v1,<sig>" pairs; any v1 match
// succeeds and other versions are ignored. A header without a comma is
// compared as a bare signature.
func Verify(body []byte, signature, timestamp, deliveryID, secret string) error {
	key, err := decodeSecret(secret)
	if err != nil {
		return ErrInvalidSignature
	}
	expected := []byte(sign(key, deliveryID, timestamp, body))

	matched := 0
	for _, candidate := range signatureCandidates(signature) {
		matched |= subtle.ConstantTimeCompare([]byte(candidate), expected)
	}
	if matched != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns a "v1,<base64>" header value for the delivery.
func Sign(body []byte, timestamp, deliveryID, secret string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("webhooks: decode secret: %w", err)
	}
	return SignatureVersion + "," + sign(key, deliveryID, timestamp, body), nil
}

// BuildEvent verifies the delivery and decodes body into T. A decode failure
// after a valid signature is a *PayloadError.
func BuildEvent[T any](body []byte, signature, timestamp, deliveryID, secret string) (T, error) {
	var event T
	if err := Verify(body, signature, timestamp, deliveryID, secret); err != nil {
		return event, err
	}
	return decodeEvent[T](body)
}

func decodeEvent[T any](body []byte) (T, error) {
	var event T
	if err := json.Unmarshal(body, &event); err != nil {
		return event, &PayloadError{Body: body, Err: err}
	}
	return event, nil
}

// PayloadError reports an authentic delivery whose body does not match the
// expected event schema.
type PayloadError struct {
	Body []byte
	Err  error
}

func (e *PayloadError) Error() string {
	if e == nil || e.Err == nil {
		return "webhooks: invalid payload"
	}
	return "webhooks: invalid payload: " + e.Err.Error()
}

func (e *PayloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *PayloadError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.Wrap(e, goerrors.CategoryBadInput, e.Error()).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorWebhookPayload).
		WithMetadata(map[string]any{"body_bytes": len(e.Body)})
}

// SignatureVerifier binds a secret and adds a replay window on top of
// Verify.
type SignatureVerifier struct {
	Secret string
	// Tolerance is the accepted clock skew. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

func NewSignatureVerifier(cfg core.WebhookConfig) *SignatureVerifier {
	return &SignatureVerifier{
		Secret:    cfg.Secret,
		Tolerance: cfg.ToleranceOrDefault(),
		Now:       time.Now,
	}
}

// Verify implements the processor Verifier contract.
func (v *SignatureVerifier) Verify(_ context.Context, delivery Delivery) error {
	return v.VerifyEnvelope(delivery.Envelope)
}

func (v *SignatureVerifier) VerifyEnvelope(env Envelope) error {
	if v == nil {
		return ErrInvalidSignature
	}
	if err := Verify(env.Body, env.Signature, env.Timestamp, env.DeliveryID, v.Secret); err != nil {
		return err
	}
	if v.Tolerance <= 0 {
		return nil
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(env.Timestamp), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.Unix(seconds, 0))
	if skew > v.Tolerance || skew < -v.Tolerance {
		return ErrInvalidTimestamp
	}
	return nil
}

// BuildVerifiedEvent is BuildEvent with the replay window applied.
func BuildVerifiedEvent[T any](v *SignatureVerifier, env Envelope) (T, error) {
	var event T
	if err := v.VerifyEnvelope(env); err != nil {
		return event, err
	}
	return decodeEvent[T](env.Body)
}

// IsAuthenticationError reports whether err means the delivery must be
// rejected as unauthenticated.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrInvalidTimestamp)
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimPrefix(strings.TrimSpace(secret), SecretPrefix)
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(secret)
}

func sign(key []byte, deliveryID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(deliveryID))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signatureCandidates(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if !strings.Contains(header, ",") {
		return []string{header}
	}
	var out []string
	for _, part := range strings.Fields(header) {
		version, value, ok := strings.Cut(part, ",")
		if !ok || version != SignatureVersion {
			continue
		}
		out = append(out, value)
	}
	return out
}
