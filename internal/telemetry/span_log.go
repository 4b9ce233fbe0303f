package telemetry

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logExporter writes every ended span as one debug log record.
type logExporter struct {
	logger *slog.Logger
}

func newLogExporter(logger *slog.Logger) *logExporter {
	return &logExporter{logger: logger}
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []slog.Attr{
			slog.String("span", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		}

		if desc := s.Status().Description; desc != "" {
			attrs = append(attrs, slog.String("status_description", desc))
		}

		for _, kv := range s.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}

		e.logger.LogAttrs(ctx, slog.LevelDebug, "span ended", attrs...)
	}

	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
