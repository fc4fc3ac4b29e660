// Package sse turns a text/event-stream response body into a typed,
// single-pass sequence.
//
// A background goroutine owns the body: it splits frames, decodes each one
// and hands the result to the consumer over a bounded channel. A frame that
// fails to decode becomes a per-item error and the stream carries on; only a
// read failure, the `data: [DONE]` sentinel, a terminal event or Close end it.
package sse
