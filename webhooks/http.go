package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-apiclient/core"
	"github.com/goliatone/go-apiclient/internal/json"
)

const DefaultMaxBodyBytes = int64(1 << 20)

// HeaderNames are the request headers a provider uses for the envelope.
type HeaderNames struct {
	Signature string
	Timestamp string
	ID        string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Signature: core.DefaultSignatureHeader,
		Timestamp: core.DefaultTimestampHeader,
		ID:        core.DefaultIDHeader,
	}
}

func HeaderNamesFromConfig(cfg core.WebhookConfig) HeaderNames {
	names := DefaultHeaderNames()
	if value := strings.TrimSpace(cfg.SignatureHeader); value != "" {
		names.Signature = value
	}
	if value := strings.TrimSpace(cfg.TimestampHeader); value != "" {
		names.Timestamp = value
	}
	if value := strings.TrimSpace(cfg.IDHeader); value != "" {
		names.ID = value
	}
	return names
}

// DeliveryFromRequest builds a Delivery from an already read body.
func DeliveryFromRequest(r *http.Request, body []byte, source string, names HeaderNames) Delivery {
	headers := core.FlattenHeaders(r.Header)
	return Delivery{
		Envelope: Envelope{
			Body:       body,
			Signature:  core.HeaderValue(headers, names.Signature),
			Timestamp:  core.HeaderValue(headers, names.Timestamp),
			DeliveryID: core.HeaderValue(headers, names.ID),
		},
		Source:  source,
		Headers: headers,
	}
}

type HTTPHandler struct {
	Processor    *Processor
	Source       string
	Headers      HeaderNames
	MaxBodyBytes int64
}

func NewHTTPHandler(processor *Processor, source string, names HeaderNames) *HTTPHandler {
	return &HTTPHandler{
		Processor:    processor,
		Source:       source,
		Headers:      names,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

type httpResponse struct {
	Accepted bool           `json:"accepted"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, httpResponse{Error: "method not allowed"})
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, httpResponse{Error: "unable to read body"})
		return
	}

	delivery := DeliveryFromRequest(r, body, h.Source, h.Headers)
	result, err := h.Processor.Process(r.Context(), delivery)
	if err != nil {
		status, payload := errorResponse(result, err)
		writeJSON(w, status, payload)
		return
	}

	status := result.StatusCode
	if status < 200 || status >= 300 {
		status = http.StatusOK
	}
	writeJSON(w, status, httpResponse{Accepted: true, Metadata: result.Metadata})
}

func errorResponse(result Result, err error) (int, httpResponse) {
	switch {
	case IsAuthenticationError(err):
		return http.StatusUnauthorized, httpResponse{Error: "invalid signature", Code: core.MapError(err).TextCode}
	case errors.Is(err, ErrDeliveryIDRequired):
		return http.StatusBadRequest, httpResponse{Error: err.Error(), Code: core.ErrorInvalidRequest}
	}
	var payloadErr *PayloadError
	if errors.As(err, &payloadErr) {
		return http.StatusBadRequest, httpResponse{Error: err.Error(), Code: core.ErrorWebhookPayload}
	}
	status := result.StatusCode
	if status < 400 {
		status = http.StatusInternalServerError
	}
	mapped := core.MapError(err)
	return status, httpResponse{Error: "delivery failed", Code: mapped.TextCode}
}

func writeJSON(w http.ResponseWriter, status int, payload httpResponse) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", core.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
