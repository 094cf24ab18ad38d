// Package logctx carries a request-scoped *slog.Logger through the context
// and decorates log records with the ids of the active trace span, so a log
// line can always be joined back to the download it belongs to.
package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

// WithLogger returns a context carrying the given logger, so per-target
// attributes attached by the orchestrator travel with the request flow.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// LoggerFromContext returns the logger carried by the context, falling back
// to slog.Default when none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// TraceHandler adds trace_id and span_id attributes to every record whose
// context carries a valid span. Everything else is delegated to the wrapped
// handler.
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps the given base handler. Panics when base is nil.
func NewTraceHandler(base slog.Handler) *TraceHandler {
	if base == nil {
		panic("logctx: trace handler needs a base handler")
	}

	return &TraceHandler{Handler: base}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
