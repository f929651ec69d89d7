package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/telemetry"
)

// Option configures an Executor or a Dispatcher.
type Option func(*options)

type options struct {
	ids      ir.IDGenerator
	clock    ir.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	handlers *HandlerTable
}

func defaultOptions() options {
	noop := telemetry.Noop()
	return options{
		ids:     ir.UUIDv7Generator{},
		clock:   ir.SystemClock{},
		logger:  slog.Default(),
		metrics: telemetry.MustNoopMetrics(),
		tracer:  noop.Tracer,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.handlers == nil {
		o.handlers = NewHandlerTable()
	}
	return o
}

// WithIDGenerator sets the id source for executions and audit rows.
//
// Default: ir.UUIDv7Generator.
// Use testutil.NewSequenceGenerator or testutil.NewFixedGenerator in tests.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithClock sets the wall clock used for started/completed timestamps.
func WithClock(c ir.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTelemetry records spans and metrics on p.
func WithTelemetry(p *telemetry.Provider, m *telemetry.Metrics) Option {
	return func(o *options) {
		if p != nil {
			o.tracer = p.Tracer
		}
		if m != nil {
			o.metrics = m
		}
	}
}

// WithHandlers sets the operation table the dispatcher resolves targets from.
func WithHandlers(h *HandlerTable) Option {
	return func(o *options) {
		if h != nil {
			o.handlers = h
		}
	}
}
