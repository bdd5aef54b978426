package logging

import (
	"context"
	"log/slog"
)

// multiHandler dispatches each record to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	var active []slog.Handler
	for _, h := range handlers {
		if h != nil {
			active = append(active, h)
		}
	}
	switch len(active) {
	case 0:
		return NoopHandler{}
	case 1:
		return active[0]
	}
	return &multiHandler{handlers: active}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	last := len(h.handlers) - 1
	for i, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		rec := record
		if i < last {
			rec = record.Clone()
		}
		if err := handler.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &multiHandler{handlers: mapHandlers(h.handlers, func(handler slog.Handler) slog.Handler {
		return handler.WithAttrs(attrs)
	})}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return &multiHandler{handlers: mapHandlers(h.handlers, func(handler slog.Handler) slog.Handler {
		return handler.WithGroup(name)
	})}
}

func mapHandlers(in []slog.Handler, fn func(slog.Handler) slog.Handler) []slog.Handler {
	out := make([]slog.Handler, len(in))
	for i, handler := range in {
		out[i] = fn(handler)
	}
	return out
}

// TeeHandler creates a handler that duplicates log output to multiple handlers.
func TeeHandler(handlers ...slog.Handler) slog.Handler {
	return newMultiHandler(handlers...)
}
