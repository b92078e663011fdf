// Package observability wires OpenTelemetry metrics and tracing around
// orchestrator runs.
//
// Every run of the calculator, the overdue sweep, the reminder orchestrator
// and the retry orchestrator is wrapped in one span and recorded with RED
// metrics keyed by run kind:
//
//   - dues.runs.total        runs, with kind and status (ok | error)
//   - dues.run.items         items processed
//   - dues.run.item_errors   per-item failures
//   - dues.run.duration      run latency in seconds
//
// Tracker satisfies billing.RunTracker. Provider installs the SDK meter and
// tracer providers, exporting over OTLP when an endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/remittance-engine/billing"
)

const instrumentationName = "github.com/warp/remittance-engine"

// =============================================================================
// PROVIDER
// =============================================================================

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317"; empty disables export
	Insecure     bool
	Interval     time.Duration // metric export interval
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// Setup installs global meter and tracer providers. Without an endpoint the
// providers still aggregate but export nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "remittance-engine"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		spanExporter, err := newTraceExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		metricExporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.Interval)),
		))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	p.meterProvider = sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// =============================================================================
// RUN TRACKER
// =============================================================================

// Tracker records orchestrator runs. It implements billing.RunTracker.
type Tracker struct {
	tracer trace.Tracer

	runs       metric.Int64Counter
	items      metric.Int64Counter
	itemErrors metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ billing.RunTracker = (*Tracker)(nil)

// NewTracker builds a tracker from the global providers.
func NewTracker() (*Tracker, error) {
	return NewTrackerWith(otel.Meter(instrumentationName), otel.Tracer(instrumentationName))
}

// NewTrackerWith builds a tracker from explicit instruments.
func NewTrackerWith(meter metric.Meter, tracer trace.Tracer) (*Tracker, error) {
	t := &Tracker{tracer: tracer}
	var err error

	t.runs, err = meter.Int64Counter("dues.runs.total",
		metric.WithDescription("Orchestrator runs by kind and status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}
	t.items, err = meter.Int64Counter("dues.run.items",
		metric.WithDescription("Items processed by orchestrator runs"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}
	t.itemErrors, err = meter.Int64Counter("dues.run.item_errors",
		metric.WithDescription("Per-item failures recorded by orchestrator runs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	t.duration, err = meter.Float64Histogram("dues.run.duration",
		metric.WithDescription("Orchestrator run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TrackRun starts a span for one run. The returned func ends it and records
// the run's metrics.
func (t *Tracker) TrackRun(ctx context.Context, kind string) (context.Context, func(int, int, error)) {
	start := time.Now()
	kindAttr := attribute.String("run.kind", kind)
	ctx, span := t.tracer.Start(ctx, "billing.run."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(kindAttr),
	)

	return ctx, func(processed, itemErrors int, err error) {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("run.processed", processed),
			attribute.Int("run.item_errors", itemErrors),
		)

		attrs := metric.WithAttributes(kindAttr)
		t.runs.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("status", status)))
		t.items.Add(ctx, int64(processed), attrs)
		t.itemErrors.Add(ctx, int64(itemErrors), attrs)
		t.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		span.End()
	}
}
