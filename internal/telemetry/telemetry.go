package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	runCounter      metric.Int64Counter
	runDuration     metric.Float64Histogram
	replayCounter   metric.Int64Counter
	classifyCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meter := otel.Meter(cfg.ServiceName)

	runCounter, err := meter.Int64Counter("authmatrix.analysis.runs",
		metric.WithDescription("Completed analysis runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("authmatrix.analysis.duration",
		metric.WithDescription("Analysis run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	replayCounter, err := meter.Int64Counter("authmatrix.replays.total",
		metric.WithDescription("Replayed requests by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	classifyCounter, err := meter.Int64Counter("authmatrix.rules.classified",
		metric.WithDescription("Rule classifications by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		meter:           meter,
		tracerProvider:  tp,
		runCounter:      runCounter,
		runDuration:     runDuration,
		replayCounter:   replayCounter,
		classifyCounter: classifyCounter,
	}, nil
}

func (t *telemetry) RecordAnalysisRun(templates, users int, duration float64, err error) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.Int("analysis.templates", templates),
		attribute.Int("analysis.users", users),
		attribute.Bool("analysis.success", err == nil),
	}

	t.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.runDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordReplay(outcome string) {
	t.replayCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("replay.outcome", outcome),
	))
}

func (t *telemetry) RecordClassification(subject types.SubjectType, status types.RuleStatus) {
	t.classifyCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("rule.subject", string(subject)),
		attribute.String("rule.status", string(status)),
	))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

// NewNoop returns a Telemetry that records nothing.
func NewNoop() core.Telemetry { return &noopTelemetry{} }

func (n *noopTelemetry) RecordAnalysisRun(templates, users int, duration float64, err error) {}
func (n *noopTelemetry) RecordReplay(outcome string)                                         {}
func (n *noopTelemetry) RecordClassification(types.SubjectType, types.RuleStatus)            {}
func (n *noopTelemetry) Close() error                                                       { return nil }
