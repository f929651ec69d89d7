package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the dispatch and execution instruments.
type Metrics struct {
	Dispatches        metric.Int64Counter
	MatchedRules      metric.Int64Counter
	Executions        metric.Int64Counter
	Duplicates        metric.Int64Counter
	Failures          metric.Int64Counter
	Degraded          metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Dispatches, err = meter.Int64Counter("agentsync.dispatch.count",
		metric.WithDescription("Dispatch calls handled"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchedRules, err = meter.Int64Counter("agentsync.dispatch.matched_rules",
		metric.WithDescription("Rules matched across all dispatches"),
	)
	if err != nil {
		return nil, err
	}

	m.Executions, err = meter.Int64Counter("agentsync.execution.count",
		metric.WithDescription("New executions claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.Duplicates, err = meter.Int64Counter("agentsync.execution.duplicates",
		metric.WithDescription("Execution attempts rejected by the idempotency key"),
	)
	if err != nil {
		return nil, err
	}

	m.Failures, err = meter.Int64Counter("agentsync.execution.failures",
		metric.WithDescription("Executions that ended failed or could not be recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.Degraded, err = meter.Int64Counter("agentsync.degraded",
		metric.WithDescription("Calls answered with a synthesized, unaudited id"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("agentsync.execution.duration",
		metric.WithDescription("Operation run time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MustNoopMetrics returns instruments backed by a no-op meter.
func MustNoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
