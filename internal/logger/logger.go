// Package logger provides structured logging built on log/slog, plus an
// in-memory ring buffer so the HTTP surface can serve recent log lines
// without shipping them to an external aggregator.
package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

type requestIDKey struct{}

// New creates the process-wide structured logger, writing JSON lines to
// stdout and also feeding a bounded in-memory ring for GET /server/logs.
func New(ring *Ring) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	if ring == nil {
		return slog.New(handler)
	}
	return slog.New(&teeHandler{next: handler, ring: ring})
}

// WithRequestID attaches a correlation id to ctx for later retrieval.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with the request id (if any) attached as a field.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return base.With("request_id", reqID)
	}
	return base
}

// Ring is a fixed-capacity circular buffer of rendered log lines.
type Ring struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{lines: make([]string, capacity), cap: capacity}
}

func (r *Ring) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n most recent lines, oldest first. n<=0 returns all held.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// teeHandler writes every record to the JSON handler and also appends a
// rendered line to the ring buffer for /server/logs. The ring line holds
// the record's time, level, message and own attributes; attributes added
// through WithAttrs and group names from WithGroup reach stdout only.
type teeHandler struct {
	next slog.Handler
	ring *Ring
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := map[string]any{
		"time":  r.Time,
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	if b, err := json.Marshal(fields); err == nil {
		h.ring.push(string(b))
	}
	return h.next.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{next: h.next.WithAttrs(attrs), ring: h.ring}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{next: h.next.WithGroup(name), ring: h.ring}
}
