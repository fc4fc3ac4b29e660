package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"github.com/goliatone/go-apiclient/core"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

var (
	// ErrStreamDone is returned by a FrameDecoder to end the stream normally.
	ErrStreamDone = errors.New("sse: stream done")
	// ErrClosed is returned by Recv after Close.
	ErrClosed = errors.New("sse: stream closed")
)

// FrameDecoder turns one frame into a value.
type FrameDecoder[T any] func(frame Frame) (T, error)

// DecodeError reports a single frame that could not be decoded. The stream
// keeps going after it.
type DecodeError struct {
	Frame Frame
	Err   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "sse: frame decode failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("sse: decode %q frame", e.Frame.Name())
	}
	return fmt.Sprintf("sse: decode %q frame: %v", e.Frame.Name(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DecodeError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{
		"event": e.Frame.Name(),
		"data":  e.Frame.Data,
	}
	if e.Frame.ID != "" {
		metadata["id"] = e.Frame.ID
	}
	return goerrors.Wrap(e, goerrors.CategoryExternal, e.Error()).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorStreamDecodeFailed).
		WithMetadata(metadata)
}

type Options struct {
	BufferSize    int
	MaxFrameBytes int
	Observer      core.Observer
}

type Option func(*Options)

func WithBufferSize(size int) Option {
	return func(o *Options) {
		if size >= 0 {
			o.BufferSize = size
		}
	}
}

func WithMaxFrameBytes(limit int) Option {
	return func(o *Options) {
		if limit > 0 {
			o.MaxFrameBytes = limit
		}
	}
}

func WithObserver(observer core.Observer) Option {
	return func(o *Options) {
		o.Observer = observer
	}
}

// WithConfig applies the stream section of the client configuration.
func WithConfig(cfg core.StreamConfig) Option {
	return func(o *Options) {
		if cfg.BufferSize > 0 {
			o.BufferSize = cfg.BufferSize
		}
		if cfg.MaxFrameBytes > 0 {
			o.MaxFrameBytes = cfg.MaxFrameBytes
		}
	}
}

type item[T any] struct {
	value T
	err   error
}

// Stream is a lazy, single-pass sequence of decoded events read from one
// response body. Recv and All must not be used from more than one goroutine.
type Stream[T any] struct {
	items    chan item[T]
	done     chan struct{}
	body     io.ReadCloser
	cancel   context.CancelCauseFunc
	observer core.Observer

	bodyOnce  sync.Once
	bodyErr   error
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream starts reading body in the background. The stream owns body
// and closes it when it ends, when ctx is cancelled or on Close.
func NewStream[T any](ctx context.Context, body io.ReadCloser, decode FrameDecoder[T], opts ...Option) *Stream[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	options := Options{
		BufferSize:    core.DefaultStreamBufferSize,
		MaxFrameBytes: core.DefaultMaxFrameBytes,
		Observer:      core.NewObserver(glog.Nop(), nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if decode == nil {
		decode = JSON[T]()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream[T]{
		items:    make(chan item[T], options.BufferSize),
		done:     make(chan struct{}),
		body:     body,
		cancel:   cancel,
		observer: options.Observer,
	}
	if body == nil {
		s.err = errors.New("sse: stream body is required")
		close(s.items)
		close(s.done)
		return s
	}

	go s.produce(ctx, NewDecoder(body, options.MaxFrameBytes), decode)
	return s
}

func (s *Stream[T]) produce(ctx context.Context, frames *Decoder, decode FrameDecoder[T]) {
	stop := context.AfterFunc(ctx, s.closeBody)
	defer close(s.done)
	defer close(s.items)
	defer s.closeBody()
	defer stop()

	dispatched := 0
	reason := "eof"
	defer func() {
		s.observer.Debug(ctx, "stream closed", map[string]any{
			"frames": dispatched,
			"reason": reason,
		})
	}()

	for {
		frame, err := frames.Next()
		if errors.Is(err, io.EOF) {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrClosed) {
				s.setErr(cause)
				reason = "cancelled"
			}
			return
		}
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				if !errors.Is(cause, ErrClosed) {
					s.setErr(cause)
				}
				reason = "cancelled"
				return
			}
			reason = "read_error"
			s.setErr(goerrors.Wrap(err, goerrors.CategoryExternal, "sse: read stream").
				WithCode(http.StatusBadGateway).
				WithTextCode(core.ErrorTransportFailure))
			return
		}
		if frame.Done() {
			reason = "done"
			return
		}
		dispatched++

		value, err := decode(frame)
		if errors.Is(err, ErrStreamDone) {
			reason = "terminal_event"
			return
		}
		if err != nil {
			err = frameError(frame, err)
			s.observer.Warn(ctx, "stream frame decode failed", map[string]any{
				"event": frame.Name(),
				"error": err.Error(),
			})
			s.observer.Count(ctx, core.MetricStreamFrames, map[string]string{"outcome": "error"})
		} else {
			s.observer.Count(ctx, core.MetricStreamFrames, map[string]string{"outcome": "decoded"})
		}

		select {
		case s.items <- item[T]{value: value, err: err}:
		case <-ctx.Done():
			if cause := context.Cause(ctx); !errors.Is(cause, ErrClosed) {
				s.setErr(cause)
			}
			reason = "cancelled"
			return
		}
	}
}

// frameError keeps API errors carried in-band as they are and wraps
// everything else with the offending frame.
func frameError(frame Frame, err error) error {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &DecodeError{Frame: frame, Err: err}
}

// Recv returns the next item. A per-frame failure is returned with a zero
// value and the stream stays usable. At the end Recv returns io.EOF, or the
// error that stopped the stream, on every call.
func (s *Stream[T]) Recv() (T, error) {
	it, ok := s.next()
	if !ok {
		var zero T
		if err := s.terminalErr(); err != nil {
			return zero, err
		}
		return zero, io.EOF
	}
	return it.value, it.err
}

// All returns the stream as a range-over-func sequence. The stream is closed
// when the loop ends, including on break. A stream stopped by an error yields
// that error as its last item.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			it, ok := s.next()
			if !ok {
				if err := s.terminalErr(); err != nil && !errors.Is(err, ErrClosed) {
					var zero T
					yield(zero, err)
				}
				return
			}
			if !yield(it.value, it.err) {
				return
			}
		}
	}
}

// Close stops the producer, closes the body and waits for the goroutine to
// exit. It is safe to call more than once.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel(ErrClosed)
		s.closeBody()
		<-s.done
	})
	return s.bodyErr
}

// Err returns the error that stopped the stream, if any. It is nil while the
// stream runs and after a normal end.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the producer goroutine has exited.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Stream[T]) next() (item[T], bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return item[T]{}, false
	}
	it, ok := <-s.items
	return it, ok
}

func (s *Stream[T]) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.err
}

func (s *Stream[T]) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream[T]) closeBody() {
	s.bodyOnce.Do(func() {
		if s.body != nil {
			s.bodyErr = s.body.Close()
		}
	})
}
