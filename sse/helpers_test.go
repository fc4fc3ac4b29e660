package sse

import (
	"context"
	"sync"

	"github.com/goliatone/go-apiclient/core"
)

type captureLogger struct {
	mu      *sync.Mutex
	entries *[]string
}

func newCaptureLogger() *captureLogger {
	entries := []string{}
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) Trace(msg string, _ ...any) { l.record("trace", msg) }
func (l *captureLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.record("error", msg) }
func (l *captureLogger) Fatal(msg string, _ ...any) { l.record("fatal", msg) }

func (l *captureLogger) WithContext(context.Context) core.Logger {
	return l
}

func (l *captureLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, level+":"+msg)
}

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry == level+":"+msg {
			return true
		}
	}
	return false
}
