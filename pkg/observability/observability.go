// Package observability wires structured logging and OpenTelemetry metrics
// for the substrate daemon. Metrics flow through an in-process reader; the
// daemon exposes them as snapshots rather than pushing to a collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "concord-substrate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider manages the metric pipeline and the substrate instruments.
type Provider struct {
	config        *Config
	reader        *sdkmetric.ManualReader
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	ingestCounter  metric.Int64Counter
	commitCounter  metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
}

// New creates a provider. With Enabled false every instrument is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	// resource.Default carries the SDK's own semconv schema URL, which
	// conflicts with this package's pin under Merge. Build the resource
	// from scratch instead.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)

	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(p.reader),
	)
	p.meter = p.meterProvider.Meter("concord.substrate",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
	)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.ingestCounter, err = p.meter.Int64Counter("substrate.events.ingested",
		metric.WithDescription("Events offered to the bridge"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.commitCounter, err = p.meter.Int64Counter("substrate.dtus.committed",
		metric.WithDescription("DTUs committed to a store"),
		metric.WithUnit("{dtu}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("substrate.errors.total",
		metric.WithDescription("Errors across subsystems"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("substrate.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		return err
	}

	p.activeRequests, err = p.meter.Int64UpDownCounter("substrate.operations.active",
		metric.WithDescription("Currently active one-shot operations"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// RecordIngest counts one event offered to the bridge.
func (p *Provider) RecordIngest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.ingestCounter != nil {
		p.ingestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCommit counts one committed DTU.
func (p *Provider) RecordCommit(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.commitCounter != nil {
		p.commitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one error.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// TrackOperation times an operation; call the returned func on completion.
func (p *Provider) TrackOperation(ctx context.Context, name string) func(error) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("operation", name)}
	if p.activeRequests != nil {
		p.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return func(err error) {
		if p.activeRequests != nil {
			p.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			p.RecordError(ctx, err, attrs...)
		}
	}
}

// Collect drains the manual reader into a ResourceMetrics snapshot.
func (p *Provider) Collect(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return &metricdata.ResourceMetrics{}, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// SetupLogging installs a text slog handler at the configured level as the
// process default and returns it.
func SetupLogging(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}
