package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-apiclient/core"
)

const (
	// DefaultEvent is the name of a frame that carries no event field.
	DefaultEvent = "message"
	// DoneSentinel ends a stream when it is the data of an unnamed frame.
	DoneSentinel = "[DONE]"
)

var ErrFrameTooLarge = errors.New("sse: frame exceeds size limit")

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
	Retry time.Duration
}

// Name returns the event name, defaulting to "message".
func (f Frame) Name() string {
	if f.Event == "" {
		return DefaultEvent
	}
	return f.Event
}

// Done reports whether the frame is the end-of-stream sentinel.
func (f Frame) Done() bool {
	return f.Event == "" && f.Data == DoneSentinel
}

// Decoder splits an event stream into frames. It is not safe for concurrent
// use.
type Decoder struct {
	scanner  *bufio.Scanner
	maxBytes int
	started  bool
	done     bool
}

func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = core.DefaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxFrameBytes {
		initial = maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initial), maxFrameBytes)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner, maxBytes: maxFrameBytes}
}

// Next returns the next frame that carries data. A frame still pending when
// the reader ends is returned before io.EOF.
func (d *Decoder) Next() (Frame, error) {
	if d.done {
		return Frame{}, io.EOF
	}

	var (
		frame   Frame
		data    strings.Builder
		hasData bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if !d.started {
			d.started = true
			line = bytes.TrimPrefix(line, []byte("\xef\xbb\xbf"))
		}

		if len(line) == 0 {
			if hasData {
				frame.Data = data.String()
				return frame, nil
			}
			frame = Frame{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			frame.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if data.Len() > d.maxBytes {
				d.done = true
				return Frame{}, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, d.maxBytes)
			}
		case "id":
			if !strings.ContainsRune(value, 0) {
				frame.ID = value
			}
		case "retry":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, d.maxBytes)
		}
		return Frame{}, err
	}
	if hasData {
		frame.Data = data.String()
		return frame, nil
	}
	return Frame{}, io.EOF
}

func splitField(line []byte) (string, string) {
	index := bytes.IndexByte(line, ':')
	if index < 0 {
		return string(line), ""
	}
	value := line[index+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:index]), string(value)
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// need one more byte to tell \r from \r\n
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
