package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. The zero value is
// a disabled instance: every Record method is a no-op.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Update pipeline metrics
	stageTransitionsTotal metric.Int64Counter
	downloadAttemptsTotal metric.Int64Counter
	downloadBytesTotal    metric.Int64Counter
	downloadDuration      metric.Float64Histogram
	flashOperationsTotal  metric.Int64Counter
	manifestFetchesTotal  metric.Int64Counter
	batteryCapacityPct    metric.Int64Gauge

	// Frontend RED metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.stageTransitionsTotal, err = t.meter.Int64Counter(
		"updater_stage_transitions_total",
		metric.WithDescription("Pipeline stage transitions"),
	); err != nil {
		return err
	}

	if t.downloadAttemptsTotal, err = t.meter.Int64Counter(
		"updater_download_attempts_total",
		metric.WithDescription("Download attempts by outcome"),
	); err != nil {
		return err
	}

	if t.downloadBytesTotal, err = t.meter.Int64Counter(
		"updater_download_bytes_total",
		metric.WithDescription("Bytes received by the download engine"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram(
		"updater_download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.flashOperationsTotal, err = t.meter.Int64Counter(
		"updater_flash_operations_total",
		metric.WithDescription("Recovery flash operations by status"),
	); err != nil {
		return err
	}

	if t.manifestFetchesTotal, err = t.meter.Int64Counter(
		"updater_manifest_fetches_total",
		metric.WithDescription("Manifest fetches by status"),
	); err != nil {
		return err
	}

	if t.batteryCapacityPct, err = t.meter.Int64Gauge(
		"updater_battery_capacity_pct",
		metric.WithDescription("Last sampled battery capacity percentage"),
	); err != nil {
		return err
	}

	if t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Frontend HTTP requests"),
	); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Frontend HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t.tracer == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// Handler returns the Prometheus scrape handler.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStage records a pipeline stage transition.
func (t *Telemetry) RecordStage(stage string) {
	if t.stageTransitionsTotal != nil {
		t.stageTransitionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("stage", stage)),
		)
	}
}

// RecordDownloadAttempt records one download attempt and its outcome.
func (t *Telemetry) RecordDownloadAttempt(outcome string) {
	if t.downloadAttemptsTotal != nil {
		t.downloadAttemptsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// AddDownloadBytes accumulates bytes received by the download engine.
func (t *Telemetry) AddDownloadBytes(n int64) {
	if t.downloadBytesTotal != nil {
		t.downloadBytesTotal.Add(context.Background(), n)
	}
}

// RecordDownloadDuration records how long a whole download took.
func (t *Telemetry) RecordDownloadDuration(status string, duration time.Duration) {
	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordFlash records a recovery flash operation.
func (t *Telemetry) RecordFlash(status string) {
	if t.flashOperationsTotal != nil {
		t.flashOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordManifestFetch records a manifest fetch outcome.
func (t *Telemetry) RecordManifestFetch(status string) {
	if t.manifestFetchesTotal != nil {
		t.manifestFetchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// SetBatteryCapacity records the last sampled battery capacity.
func (t *Telemetry) SetBatteryCapacity(pct int) {
	if t.batteryCapacityPct != nil {
		t.batteryCapacityPct.Record(context.Background(), int64(pct))
	}
}

// RecordHTTPRequest records frontend request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}
}
