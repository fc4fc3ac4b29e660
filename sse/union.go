package sse

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/goliatone/go-apiclient/internal/json"
	"github.com/tidwall/gjson"
)

var ErrUnknownEvent = errors.New("sse: unknown event")

// UnknownEvent is the raw form of an event kind the caller has not
// registered. Unions built WithUnknown typically wrap it.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

type variantDecoder[T any] func(data []byte) (T, error)

// Union decodes multi-kind streams. The variant is chosen by the frame's
// event name or, with WithDiscriminator, by a field of the JSON payload.
type Union[T any] struct {
	variants      map[string]variantDecoder[T]
	discriminator string
	unknown       func(UnknownEvent) T
	errorEvents   map[string]struct{}
	terminal      map[string]struct{}
}

type UnionOption[T any] func(*Union[T])

// WithDiscriminator selects variants by the value at path (gjson syntax)
// instead of the event name.
func WithDiscriminator[T any](path string) UnionOption[T] {
	return func(u *Union[T]) {
		u.discriminator = strings.TrimSpace(path)
	}
}

// WithUnknown maps unregistered kinds to a value instead of a DecodeError.
func WithUnknown[T any](wrap func(UnknownEvent) T) UnionOption[T] {
	return func(u *Union[T]) {
		u.unknown = wrap
	}
}

// WithErrorEvent marks kinds whose payload is an API error. They are
// delivered as *core.APIError items.
func WithErrorEvent[T any](names ...string) UnionOption[T] {
	return func(u *Union[T]) {
		for _, name := range names {
			u.errorEvents[name] = struct{}{}
		}
	}
}

// WithTerminal marks kinds that end the stream without being delivered.
func WithTerminal[T any](names ...string) UnionOption[T] {
	return func(u *Union[T]) {
		for _, name := range names {
			u.terminal[name] = struct{}{}
		}
	}
}

func NewUnion[T any](opts ...UnionOption[T]) *Union[T] {
	u := &Union[T]{
		variants:    map[string]variantDecoder[T]{},
		errorEvents: map[string]struct{}{},
		terminal:    map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// Register binds kind name to variant V. wrap lifts V into T; when nil, V
// must itself satisfy T.
func Register[T any, V any](u *Union[T], name string, wrap func(V) T) *Union[T] {
	u.variants[name] = func(data []byte) (T, error) {
		var zero T
		var variant V
		if err := json.Unmarshal(data, &variant); err != nil {
			return zero, err
		}
		if wrap != nil {
			return wrap(variant), nil
		}
		value, ok := any(variant).(T)
		if !ok {
			return zero, fmt.Errorf("sse: %s does not implement %s", reflect.TypeFor[V](), reflect.TypeFor[T]())
		}
		return value, nil
	}
	return u
}

// Decode implements FrameDecoder.
func (u *Union[T]) Decode(frame Frame) (T, error) {
	var zero T
	data := []byte(frame.Data)

	name := frame.Name()
	if u.discriminator != "" {
		result := gjson.GetBytes(data, u.discriminator)
		if !result.Exists() {
			return zero, fmt.Errorf("sse: discriminator %q missing", u.discriminator)
		}
		name = result.String()
	}

	if _, ok := u.terminal[name]; ok {
		return zero, ErrStreamDone
	}
	if _, ok := u.errorEvents[name]; ok {
		if apiErr := inBandError(data); apiErr != nil {
			return zero, apiErr
		}
		return zero, decodeAPIError(frame.Data)
	}
	if decode, ok := u.variants[name]; ok {
		return decode(data)
	}
	if u.unknown != nil {
		return u.unknown(UnknownEvent{Name: name, Data: json.RawMessage(append([]byte(nil), data...))}), nil
	}
	return zero, fmt.Errorf("%w %q", ErrUnknownEvent, name)
}

// Decoder returns the union as a FrameDecoder.
func (u *Union[T]) Decoder() FrameDecoder[T] {
	return u.Decode
}
