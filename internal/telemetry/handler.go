// ABOUTME: slog.Handler that tees log records into the telemetry log buffer.
// ABOUTME: Wraps the primary handler so dashboard readers see the same stream.

package telemetry

import (
	"context"
	"log/slog"
)

// LogHandler forwards every record to the wrapped handler and mirrors records
// at or above minLevel into the store's log buffer. task_id and agent_id
// attributes are lifted into the record for filtered queries.
type LogHandler struct {
	next     slog.Handler
	store    *Store
	minLevel slog.Level
	attrs    []slog.Attr
}

// NewLogHandler wraps next with telemetry capture.
func NewLogHandler(next slog.Handler, store *Store, minLevel slog.Level) *LogHandler {
	return &LogHandler{next: next, store: store, minLevel: minLevel}
}

// Enabled defers to the wrapped handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.minLevel
}

// Handle captures the record into the buffer and passes it on.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		rec := LogRecord{
			Timestamp: r.Time,
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		grab := func(a slog.Attr) {
			switch a.Key {
			case "task_id":
				rec.TaskID = a.Value.String()
			case "agent_id":
				rec.AgentID = a.Value.String()
			}
		}
		for _, a := range h.attrs {
			grab(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			grab(a)
			return true
		})
		h.store.AddLog(rec)
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LogHandler{
		next:     h.next.WithAttrs(attrs),
		store:    h.store,
		minLevel: h.minLevel,
		attrs:    merged,
	}
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{
		next:     h.next.WithGroup(name),
		store:    h.store,
		minLevel: h.minLevel,
		attrs:    h.attrs,
	}
}
