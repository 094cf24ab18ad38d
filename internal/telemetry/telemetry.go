package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the engine's instruments. The zero value is a no-op so
// the engine can run untelemetered; every method is nil-safe.
//
// Only bounded-cardinality values (status, operation) become attributes.
// Target ids and URLs stay out of metrics and live in logs instead.
type Telemetry struct {
	tracer trace.Tracer

	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	bytesDownloaded  metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates the instruments against the global meter provider. The
// provider itself (and any exporter) is wired by the caller.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	meter := otel.Meter(cfg.ServiceName)

	t := &Telemetry{tracer: otel.Tracer(cfg.ServiceName)}

	var err error

	if t.downloadsTotal, err = meter.Int64Counter("geofetch_downloads_total",
		metric.WithDescription("Terminal download outcomes by status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create downloads counter: %w", err)
	}

	if t.downloadsActive, err = meter.Int64UpDownCounter("geofetch_downloads_active",
		metric.WithDescription("Downloads currently in flight"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active downloads counter: %w", err)
	}

	if t.downloadDuration, err = meter.Float64Histogram("geofetch_download_duration_seconds",
		metric.WithDescription("Wall-clock duration of downloads including retries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	if t.bytesDownloaded, err = meter.Int64Counter("geofetch_bytes_downloaded_total",
		metric.WithDescription("Bytes written to disk across all targets"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("failed to create bytes counter: %w", err)
	}

	return t, nil
}

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentDownload wraps one target's download in a span and records the
// outcome metrics.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.downloadsActive.Add(ctx, 1)
	defer t.downloadsActive.Add(ctx, -1)

	ctx, span := t.tracer.Start(ctx, "download")
	defer span.End()

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	t.downloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	t.downloadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))

	return err
}

// AddBytesDownloaded accumulates bytes that reached disk.
func (t *Telemetry) AddBytesDownloaded(n int64) {
	if t == nil || t.bytesDownloaded == nil || n <= 0 {
		return
	}

	t.bytesDownloaded.Add(context.Background(), n)
}
