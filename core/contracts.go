package core

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// HTTPDoer is the transport seam used for every outbound call.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes a single outbound call. It is produced fresh by a
// RequestFactory for every attempt and is not modified after that.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    Body
	Timeout time.Duration
}

// RequestFactory builds the request for one attempt. The executor invokes it
// once per attempt, so bodies backed by readers or files are rebuilt each
// time.
type RequestFactory func(ctx context.Context) (Request, error)

// StaticRequest returns a factory that hands out the same descriptor on every
// attempt. It is safe whenever the body encodes from an in-memory value.
func StaticRequest(req Request) RequestFactory {
	return func(context.Context) (Request, error) {
		return req, nil
	}
}

// Response is a fully read, non-streaming response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Attempts   int
}

// Header performs a case-insensitive lookup over the flattened headers.
func (r Response) Header(name string) string {
	return HeaderValue(r.Headers, name)
}

// HeaderValue looks up a header by name in a flattened header map without
// regard to case.
func HeaderValue(headers map[string]string, name string) string {
	if len(headers) == 0 {
		return ""
	}
	name = strings.TrimSpace(name)
	if value, ok := headers[name]; ok {
		return strings.TrimSpace(value)
	}
	for key, value := range headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// FlattenHeaders joins multi-valued headers with ", " and keys them by their
// canonical name.
func FlattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(key)] = strings.Join(values, ", ")
	}
	return out
}
