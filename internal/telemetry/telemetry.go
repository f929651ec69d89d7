// Package telemetry wires OpenTelemetry traces and metrics for agentsync.
// When disabled every tracer and meter is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/agentsync/internal/ir"
)

// ScopeName is the instrumentation scope for agentsync traces and metrics.
const ScopeName = "github.com/roach88/agentsync"

// Config selects whether telemetry is on and where it goes.
type Config struct {
	Enabled bool
	// Exporter is "stdout" or "none".
	Exporter string
	// Writer receives stdout exporter output; defaults to os.Stderr.
	Writer io.Writer
	// MetricInterval is the periodic reader interval for the stdout exporter.
	MetricInterval time.Duration
}

// Provider holds a tracer and a meter plus the cleanup for both.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Noop returns a provider whose spans and instruments discard everything.
func Noop() *Provider {
	return &Provider{
		Tracer:   tracenoop.NewTracerProvider().Tracer(ScopeName),
		Meter:    metricnoop.NewMeterProvider().Meter(ScopeName),
		shutdown: func(context.Context) error { return nil },
	}
}

// Init builds a provider from cfg. A disabled config returns Noop().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("agentsync"),
			semconv.ServiceVersionKey.String(ir.EngineVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	switch cfg.Exporter {
	case "stdout", "":
		spanExp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExp))

		metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval)),
		))
	case "none":
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q (supported: stdout, none)", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	return &Provider{
		Tracer: tp.Tracer(ScopeName),
		Meter:  mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Span attribute keys.
var (
	AttrTriggerAgent  = attribute.Key("agentsync.trigger.agent")
	AttrTriggerAction = attribute.Key("agentsync.trigger.action")
	AttrRuleID        = attribute.Key("agentsync.rule.id")
	AttrExecutionID   = attribute.Key("agentsync.execution.id")
	AttrDuplicate     = attribute.Key("agentsync.execution.duplicate")
	AttrMatched       = attribute.Key("agentsync.dispatch.matched")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
