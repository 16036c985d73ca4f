package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Init sets a JSON (default) or text slog handler based on the provided format.
// Supported: "json" (default), "text". Context fields and trace ids are added
// to every record logged with a context.
func Init(service, format, level string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(NewContextHandler(handler)).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields flow through context so deep call sites log event/account ids
// without threading them through every signature.
type Fields struct {
	EventID   string
	AccountID string
	Platform  string
	Component string
}

// WithFields merges fields into ctx; non-empty new values win.
func WithFields(ctx context.Context, f Fields) context.Context {
	cur := FieldsFrom(ctx)
	if f.EventID != "" {
		cur.EventID = f.EventID
	}
	if f.AccountID != "" {
		cur.AccountID = f.AccountID
	}
	if f.Platform != "" {
		cur.Platform = f.Platform
	}
	if f.Component != "" {
		cur.Component = f.Component
	}
	return context.WithValue(ctx, fieldsKey, cur)
}

func FieldsFrom(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	f := FieldsFrom(ctx)
	if f.EventID != "" {
		r.AddAttrs(slog.String("event_id", f.EventID))
	}
	if f.AccountID != "" {
		r.AddAttrs(slog.String("account_id", f.AccountID))
	}
	if f.Platform != "" {
		r.AddAttrs(slog.String("platform", f.Platform))
	}
	if f.Component != "" {
		r.AddAttrs(slog.String("component", f.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
