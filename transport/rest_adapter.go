package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-apiclient/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	KindREST = "rest"

	headerAccept      = "Accept"
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"

	mediaTypeEventStream = "text/event-stream"
)

// RESTAdapter performs exactly one HTTP exchange per call. Retries live in
// the Executor.
type RESTAdapter struct {
	Client               core.HTTPDoer
	BaseURL              string
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client core.HTTPDoer, baseURL string) *RESTAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &RESTAdapter{
		Client:               client,
		BaseURL:              strings.TrimSpace(baseURL),
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: core.DefaultMaxResponseBodyBytes,
	}
}

// HeadersFromConfig derives the headers sent with every request.
func HeadersFromConfig(cfg core.Config) map[string]string {
	headers := make(map[string]string, len(cfg.DefaultHeaders)+2)
	for key, value := range cfg.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		headers[strings.TrimSpace(key)] = value
	}
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		name := strings.TrimSpace(cfg.AuthHeader)
		if name == "" {
			name = core.DefaultAuthHeader
		}
		value := apiKey
		if scheme := strings.TrimSpace(cfg.AuthScheme); scheme != "" {
			value = scheme + " " + apiKey
		}
		headers[name] = value
	}
	if agent := strings.TrimSpace(cfg.UserAgent); agent != "" {
		headers[headerUserAgent] = agent
	}
	return headers
}

// Send executes req and reads the whole response body.
func (a *RESTAdapter) Send(ctx context.Context, req core.Request) (core.Response, error) {
	httpReq, cancel, err := a.build(ctx, req)
	if err != nil {
		return core.Response{}, err
	}
	defer cancel()

	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.Response{}, core.WrapServiceError(
			err,
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			map[string]any{"adapter": KindREST, "method": httpReq.Method, "url": httpReq.URL.String()},
		)
	}
	return a.ReadResponse(httpRes)
}

// Open executes req and returns the live response without reading the body.
// The caller owns the body. An Accept: text/event-stream header is added
// unless the request sets one.
func (a *RESTAdapter) Open(ctx context.Context, req core.Request) (*http.Response, error) {
	httpReq, cancel, err := a.build(ctx, req)
	if err != nil {
		return nil, err
	}
	if httpReq.Header.Get(headerAccept) == "" {
		httpReq.Header.Set(headerAccept, mediaTypeEventStream)
	}

	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, core.WrapServiceError(
			err,
			goerrors.CategoryExternal,
			"transport: open stream",
			http.StatusBadGateway,
			map[string]any{"adapter": KindREST, "method": httpReq.Method, "url": httpReq.URL.String()},
		)
	}
	httpRes.Body = &cancelOnClose{ReadCloser: httpRes.Body, cancel: cancel}
	return httpRes, nil
}

// ReadResponse drains and closes httpRes, enforcing the body limit.
func (a *RESTAdapter) ReadResponse(httpRes *http.Response) (core.Response, error) {
	defer httpRes.Body.Close()

	maxBodyBytes := a.responseBodyLimit()
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return core.Response{}, core.WrapServiceError(
			err,
			goerrors.CategoryExternal,
			"transport: read response body",
			http.StatusBadGateway,
			map[string]any{"adapter": KindREST, "status_code": httpRes.StatusCode},
		)
	}
	if int64(len(body)) > maxBodyBytes {
		return core.Response{}, core.NewServiceError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{
				"adapter":          KindREST,
				"status_code":      httpRes.StatusCode,
				"response_limit_b": maxBodyBytes,
			},
		)
	}

	return core.Response{
		StatusCode: httpRes.StatusCode,
		Headers:    core.FlattenHeaders(httpRes.Header),
		Body:       body,
	}, nil
}

func (a *RESTAdapter) build(ctx context.Context, req core.Request) (*http.Request, context.CancelFunc, error) {
	if a == nil || a.Client == nil {
		return nil, nil, core.NewServiceError(
			"transport: rest adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"adapter": KindREST},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := a.resolveURL(req.Path)
	if err != nil {
		return nil, nil, err
	}
	if len(req.Query) > 0 {
		query := target.Query()
		for key, values := range req.Query {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			query.Del(key)
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	contentType := ""
	if req.Body != nil {
		body, contentType, err = req.Body.Encode()
		if err != nil {
			return nil, nil, core.WrapServiceError(
				err,
				goerrors.CategoryBadInput,
				"transport: encode request body",
				http.StatusBadRequest,
				map[string]any{"adapter": KindREST, "method": method, "url": target.String()},
			)
		}
	}

	requestCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	httpReq, err := http.NewRequestWithContext(requestCtx, method, target.String(), body)
	if err != nil {
		cancel()
		return nil, nil, core.WrapServiceError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "method": method, "url": target.String()},
		)
	}
	if contentType != "" {
		httpReq.Header.Set(headerContentType, contentType)
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return httpReq, cancel, nil
}

func (a *RESTAdapter) resolveURL(path string) (*url.URL, error) {
	path = strings.TrimSpace(path)
	parsed, err := url.Parse(path)
	if err == nil && parsed.IsAbs() {
		return parsed, nil
	}
	base := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if base == "" {
		return nil, core.NewServiceError(
			"transport: request url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "path": path},
		)
	}
	joined := base
	if path != "" {
		joined = base + "/" + strings.TrimLeft(path, "/")
	}
	parsed, err = url.Parse(joined)
	if err != nil {
		return nil, core.WrapServiceError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid request url",
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "url": joined},
		)
	}
	return parsed, nil
}

func (a *RESTAdapter) responseBodyLimit() int64 {
	if a != nil && a.MaxResponseBodyBytes > 0 {
		return a.MaxResponseBodyBytes
	}
	return core.DefaultMaxResponseBodyBytes
}

// cancelOnClose releases the per-request timeout once the stream body is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// IsTransportError reports whether err is a connectivity failure raised by
// the adapter.
func IsTransportError(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == core.ErrorTransportFailure
}
