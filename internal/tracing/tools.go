package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "calrun/tracing/tools"
	maxOutputEventBytes = 1024
)

// ToolSpan is a "tool.exec" span around one subprocess.
type ToolSpan struct {
	span    trace.Span
	started time.Time
}

// StartTool opens a span for running tool with args in cwd. Arguments are
// redacted before they are recorded.
func StartTool(ctx context.Context, tool string, args []string, cwd string, attrs ...attribute.KeyValue) (context.Context, *ToolSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	base := []attribute.KeyValue{
		attribute.String("tool_name", strings.TrimSpace(tool)),
		attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
		attribute.String("cwd", strings.TrimSpace(cwd)),
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "tool.exec", trace.WithAttributes(append(base, attrs...)...))
	return spanCtx, &ToolSpan{span: span, started: time.Now()}
}

// Event records a point-in-time event such as a retry.
func (s *ToolSpan) Event(name string, attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End records the outcome and closes the span. stdout and stderr are
// attached as bounded events.
func (s *ToolSpan) End(exitCode int, stdout, stderr string, err error) {
	if s == nil {
		return
	}
	s.span.SetAttributes(
		attribute.Int("exit_code", exitCode),
		attribute.Int64("duration_ms", time.Since(s.started).Milliseconds()),
	)
	if text := strings.TrimSpace(stdout); text != "" {
		s.span.AddEvent("tool.stdout", trace.WithAttributes(attribute.String("output", truncateOutput(text, maxOutputEventBytes))))
	}
	if text := strings.TrimSpace(stderr); text != "" {
		s.span.AddEvent("tool.stderr", trace.WithAttributes(attribute.String("output", truncateOutput(text, maxOutputEventBytes))))
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "tool command completed")
	}
	s.span.End()
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values that look like secrets, either inline
// (--password=x) or as the argument following a sensitive flag.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && SensitiveKey(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}

		if SensitiveKey(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// SensitiveKey reports whether a flag or config key name looks like it holds a secret.
func SensitiveKey(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "apikey", "api-key", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for logs.
func FormatCommand(tool string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{tool}, args...) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(tool string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(tool, RedactArgs(args)), err)
}
