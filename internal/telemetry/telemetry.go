// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name on every span.
	ServiceName = "calrun"

	endpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	certificateEnv = "OTEL_EXPORTER_OTLP_CERTIFICATE"

	flushInterval = 5 * time.Second
	maxBatch      = 512
)

// Settings selects where spans are exported.
type Settings struct {
	// Endpoint is the configured OTLP/HTTP URL. OTEL_EXPORTER_OTLP_ENDPOINT
	// takes precedence when set.
	Endpoint string
	// Version is reported as service.version.
	Version string
	// Fallback receives one line per span when the OTLP exporter cannot be
	// built. Defaults to stderr.
	Fallback io.Writer
}

// Shutdown flushes buffered spans. It is safe to call more than once.
type Shutdown func()

var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv(certificateEnv)); certPath != "" {
		tlsConfig, err := loadCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Init installs a tracer provider for settings. Without any endpoint the
// global no-op provider is left in place and Shutdown does nothing.
func Init(ctx context.Context, settings Settings) (Shutdown, error) {
	endpoint := Endpoint(settings.Endpoint)
	if endpoint == "" {
		return func() {}, nil
	}

	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		fallback := settings.Fallback
		if fallback == nil {
			fallback = os.Stderr
		}
		fmt.Fprintf(fallback, "warning: cannot export traces to %s (%v), printing spans instead\n", endpoint, err)
		exporter = &lineExporter{out: fallback}
	}

	version := strings.TrimSpace(settings.Version)
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("host.os", runtime.GOOS),
		attribute.Int("process.pid", os.Getpid()),
	))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(flushInterval),
			sdktrace.WithMaxExportBatchSize(maxBatch),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), flushInterval)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

// Endpoint resolves the effective OTLP endpoint.
func Endpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv(endpointEnv)); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(configured)
}

func loadCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTLP certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse OTLP certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// lineExporter prints "span <name> <duration> <status> [run=<id>] [tool=<name>]".
type lineExporter struct {
	out io.Writer
}

func (e *lineExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		line := fmt.Sprintf("span %s %s %s",
			span.Name(),
			span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			span.Status().Code,
		)
		for _, attr := range span.Attributes() {
			switch attr.Key {
			case "run.id":
				line += " run=" + attr.Value.Emit()
			case "tool.name":
				line += " tool=" + attr.Value.Emit()
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (e *lineExporter) Shutdown(context.Context) error {
	return nil
}
