// Package testenv holds helpers shared by tests across packages.
package testenv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nodesync/nodesync/pkg/logger"
)

// TestLogHandler is a slog.Handler that writes the message index (starting
// from 0), level and message through t.Log, without the timestamp, so test
// output is deterministic. Records are also kept for assertions.
type TestLogHandler struct {
	t     testing.TB
	attrs []slog.Attr

	mu      *sync.Mutex
	index   *int
	records *[]string

	ignoreDebug bool
}

// TestLogHandlerOption configures a TestLogHandler.
type TestLogHandlerOption func(*TestLogHandler)

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.ignoreDebug = true
	}
}

func NewTestLogHandler(t testing.TB, opts ...TestLogHandlerOption) *TestLogHandler {
	h := &TestLogHandler{
		t:       t,
		mu:      &sync.Mutex{},
		index:   new(int),
		records: new([]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLogger returns a logger.Logger writing through a TestLogHandler.
func NewLogger(t testing.TB, opts ...TestLogHandlerOption) logger.Logger {
	return logger.New(NewTestLogHandler(t, opts...))
}

//nolint:gocritic
func (h *TestLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	var sb strings.Builder
	for _, a := range h.attrs {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	line := fmt.Sprintf("[%d] %s: %s", *h.index, r.Level, r.Message)
	if sb.Len() > 0 {
		line += " " + sb.String()
	}
	*h.index++
	*h.records = append(*h.records, line)
	h.t.Log(line)
	return nil
}

func (h *TestLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &clone
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	return h
}

// Records returns a copy of every line handled so far.
func (h *TestLogHandler) Records() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), *h.records...)
}
