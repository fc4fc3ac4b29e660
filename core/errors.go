package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorTransportFailure      = "TRANSPORT_FAILURE"
	ErrorAPI                   = "API_ERROR"
	ErrorDeserializationFailed = "DESERIALIZATION_FAILED"
	ErrorRateLimited           = "RATE_LIMITED"
	ErrorInsufficientQuota     = "INSUFFICIENT_QUOTA"
	ErrorStreamDecodeFailed    = "STREAM_DECODE_FAILED"
	ErrorInvalidSignature      = "INVALID_SIGNATURE"
	ErrorWebhookPayload        = "WEBHOOK_PAYLOAD_INVALID"
	ErrorInvalidRequest        = "INVALID_REQUEST"
	ErrorInternal              = "INTERNAL"
)

// InsufficientQuotaType is the API error type that suppresses rate limit
// retries.
const InsufficientQuotaType = "insufficient_quota"

// ServiceErrorConverter is implemented by typed errors that can describe
// themselves as a go-errors envelope.
type ServiceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// APIError is the structured error body returned with a non-2xx status.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`

	StatusCode int               `json:"-"`
	Headers    map[string]string `json:"-"`
}

// WrappedAPIError is the wire envelope `{"error": {...}}`.
type WrappedAPIError struct {
	Error *APIError `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	var b strings.Builder
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "api error (status %d", e.StatusCode)
		if e.Type != "" {
			fmt.Fprintf(&b, ", type %s", e.Type)
		}
		b.WriteString(")")
	} else if e.Type != "" {
		fmt.Fprintf(&b, "api error (type %s)", e.Type)
	} else {
		b.WriteString("api error")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// InsufficientQuota reports whether the error means the account is out of
// quota rather than temporarily throttled.
func (e *APIError) InsufficientQuota() bool {
	return e != nil && strings.EqualFold(strings.TrimSpace(e.Type), InsufficientQuotaType)
}

func (e *APIError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	category := categoryForStatus(e.StatusCode)
	textCode := ErrorAPI
	if e.InsufficientQuota() {
		textCode = ErrorInsufficientQuota
	}
	code := e.StatusCode
	if code == 0 {
		code = serviceHTTPStatus(category)
	}
	metadata := map[string]any{}
	if e.Type != "" {
		metadata["type"] = e.Type
	}
	if e.Param != "" {
		metadata["param"] = e.Param
	}
	if e.Code != "" {
		metadata["code"] = e.Code
	}
	err := goerrors.New(e.Error(), category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// DeserializationError reports a body that could not be decoded into the
// expected shape. Body holds the raw bytes for diagnostics.
type DeserializationError struct {
	Target     string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *DeserializationError) Error() string {
	if e == nil {
		return "deserialization failed"
	}
	target := e.Target
	if target == "" {
		target = "response"
	}
	if e.Err == nil {
		return fmt.Sprintf("failed to deserialize %s", target)
	}
	return fmt.Sprintf("failed to deserialize %s: %v", target, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DeserializationError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{
		"body": string(e.Body),
	}
	if e.StatusCode > 0 {
		metadata["status_code"] = e.StatusCode
	}
	if e.Target != "" {
		metadata["target"] = e.Target
	}
	return goerrors.Wrap(e, goerrors.CategoryExternal, e.Error()).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorDeserializationFailed).
		WithMetadata(metadata)
}

// MapError converts any error into a go-errors envelope with a stable text
// code. Typed errors describe themselves; go-errors values are normalized.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var converter ServiceErrorConverter
	if errors.As(err, &converter) {
		if mapped := converter.ToServiceError(); mapped != nil {
			return ensureErrorEnvelope(mapped)
		}
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

// NewServiceError builds an envelope whose text code follows category.
func NewServiceError(message string, category goerrors.Category, code int, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(TextCodeForCategory(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// WrapServiceError is NewServiceError keeping source as the cause. A nil
// source builds a plain envelope.
func WrapServiceError(source error, category goerrors.Category, message string, code int, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return NewServiceError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(TextCodeForCategory(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// TextCodeForCategory returns the default text code for category.
func TextCodeForCategory(category goerrors.Category) string {
	return defaultTextCode(category)
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorInvalidRequest
	case goerrors.CategoryAuth:
		return ErrorInvalidSignature
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorTransportFailure
	default:
		return ErrorInternal
	}
}

func categoryForStatus(status int) goerrors.Category {
	switch {
	case status == http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	case status == http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case status == http.StatusForbidden:
		return goerrors.CategoryAuthz
	case status == http.StatusNotFound:
		return goerrors.CategoryNotFound
	case status == http.StatusConflict:
		return goerrors.CategoryConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return goerrors.CategoryBadInput
	case status >= 500:
		return goerrors.CategoryExternal
	default:
		return goerrors.CategoryOperation
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
