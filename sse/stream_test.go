package sse

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-apiclient/core"
)

type delta struct {
	A int `json:"a"`
}

type trackingBody struct {
	io.Reader
	closed atomic.Int32
}

func (b *trackingBody) Close() error {
	b.closed.Add(1)
	return nil
}

func newBody(payload string) *trackingBody {
	return &trackingBody{Reader: strings.NewReader(payload)}
}

type failingReader struct {
	payload io.Reader
	err     error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.payload.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("producer goroutine did not exit")
	}
}

func TestStream_DoneSentinelCompletesWithoutError(t *testing.T) {
	body := newBody("data: {\"a\":1}\n\ndata: [DONE]\n\n")
	stream := NewStream(context.Background(), body, JSON[delta]())

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("expected first event, got %v", err)
	}
	if first.A != 1 {
		t.Fatalf("expected a=1, got %+v", first)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after sentinel, got %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF to repeat, got %v", err)
	}
	if stream.Err() != nil {
		t.Fatalf("expected no terminal error, got %v", stream.Err())
	}
	waitDone(t, stream.Done())
	if body.closed.Load() != 1 {
		t.Fatalf("expected body closed exactly once, got %d", body.closed.Load())
	}
}

func TestStream_MalformedFrameIsReportedAndStreamContinues(t *testing.T) {
	body := newBody("data: {malformed\n\ndata: {\"a\":1}\n\ndata: [DONE]\n\n")
	stream := NewStream(context.Background(), body, JSON[delta]())

	var values []delta
	var errs []error
	for value, err := range stream.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values = append(values, value)
	}

	if len(errs) != 1 {
		t.Fatalf("expected one error item, got %v", errs)
	}
	var decodeErr *DecodeError
	if !errors.As(errs[0], &decodeErr) {
		t.Fatalf("expected decode error, got %T", errs[0])
	}
	if decodeErr.Frame.Data != "{malformed" {
		t.Fatalf("expected offending frame attached, got %q", decodeErr.Frame.Data)
	}
	if len(values) != 1 || values[0].A != 1 {
		t.Fatalf("expected one decoded event after the error, got %+v", values)
	}
	if mapped := core.MapError(errs[0]); mapped.TextCode != core.ErrorStreamDecodeFailed {
		t.Fatalf("expected %q text code, got %q", core.ErrorStreamDecodeFailed, mapped.TextCode)
	}
}

func TestStream_PreservesWireOrder(t *testing.T) {
	var payload strings.Builder
	for i := 0; i < 100; i++ {
		payload.WriteString("data: {\"a\":" + strconv.Itoa(i) + "}\n\n")
	}
	stream := NewStream(context.Background(), newBody(payload.String()), JSON[delta](), WithBufferSize(0))

	next := 0
	for value, err := range stream.All() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value.A != next {
			t.Fatalf("expected event %d, got %d", next, value.A)
		}
		next++
	}
	if next != 100 {
		t.Fatalf("expected 100 events, got %d", next)
	}
}

func TestStream_BreakingTheLoopClosesTheConnection(t *testing.T) {
	reader, writer := io.Pipe()
	writerErr := make(chan error, 1)
	go func() {
		for {
			if _, err := writer.Write([]byte("data: {\"a\":1}\n\n")); err != nil {
				writerErr <- err
				return
			}
		}
	}()

	stream := NewStream(context.Background(), reader, JSON[delta](), WithBufferSize(1))
	seen := 0
	for _, err := range stream.All() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		if seen == 3 {
			break
		}
	}

	waitDone(t, stream.Done())
	select {
	case err := <-writerErr:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("expected closed pipe on the server side, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the connection to be closed")
	}
	if _, err := stream.Recv(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if stream.Err() != nil {
		t.Fatalf("expected consumer close not to be reported as an error, got %v", stream.Err())
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	body := newBody("data: {\"a\":1}\n\n")
	stream := NewStream(context.Background(), body, JSON[delta]())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stream.Close()
		}()
	}
	wg.Wait()
	if body.closed.Load() != 1 {
		t.Fatalf("expected body closed once, got %d", body.closed.Load())
	}
}

func TestStream_ContextCancellationStopsProducer(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := NewStream(ctx, reader, JSON[delta]())
	cancel()

	waitDone(t, stream.Done())
	if _, err := stream.Recv(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestStream_ReadFailureEndsStream(t *testing.T) {
	body := io.NopCloser(&failingReader{
		payload: strings.NewReader("data: {\"a\":1}\n\n"),
		err:     errors.New("connection reset by peer"),
	})
	stream := NewStream(context.Background(), body, JSON[delta]())

	var items []error
	for _, err := range stream.All() {
		items = append(items, err)
	}
	if len(items) != 2 || items[0] != nil || items[1] == nil {
		t.Fatalf("expected one value then the read error, got %v", items)
	}
	if !strings.Contains(items[1].Error(), "connection reset by peer") {
		t.Fatalf("expected read error to be surfaced, got %v", items[1])
	}
	if mapped := core.MapError(stream.Err()); mapped.TextCode != core.ErrorTransportFailure {
		t.Fatalf("expected transport failure, got %q", mapped.TextCode)
	}
}

func TestStream_InBandErrorFrameIsAnAPIError(t *testing.T) {
	body := newBody("data: {\"error\":{\"message\":\"server overloaded\",\"type\":\"server_error\"}}\n\ndata: {\"a\":2}\n\n")
	stream := NewStream(context.Background(), body, JSON[delta]())

	_, err := stream.Recv()
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != "server_error" || apiErr.Message != "server overloaded" {
		t.Fatalf("expected in-band api error, got %v", err)
	}
	value, err := stream.Recv()
	if err != nil || value.A != 2 {
		t.Fatalf("expected stream to continue, got %+v %v", value, err)
	}
	_ = stream.Close()
}

func TestStream_LogsFrameDecodeFailures(t *testing.T) {
	logger := newCaptureLogger()
	body := newBody("data: nope\n\n")
	stream := NewStream(context.Background(), body, JSON[delta](), WithObserver(core.NewObserver(logger, nil)))
	for range stream.All() {
	}
	if !logger.has("warn", "stream frame decode failed") {
		t.Fatalf("expected decode failure warning")
	}
	if !logger.has("debug", "stream closed") {
		t.Fatalf("expected stream closed debug log")
	}
}

func TestStream_NilBody(t *testing.T) {
	stream := NewStream[delta](context.Background(), nil, nil)
	if _, err := stream.Recv(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected an error for a missing body, got %v", err)
	}
}
