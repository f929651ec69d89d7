package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
)

// DispatchResult collects every outcome of one Dispatch, in dispatch order.
type DispatchResult struct {
	TriggerAgent  string    `json:"trigger_agent"`
	TriggerAction string    `json:"trigger_action"`
	Matched       int       `json:"matched"`
	Outcomes      []Outcome `json:"outcomes"`
}

// ExecutionIDs returns the execution id of each outcome that has one.
func (r DispatchResult) ExecutionIDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.ExecutionID != "" {
			ids = append(ids, o.ExecutionID)
		}
	}
	return ids
}

// Failed reports how many outcomes ended failed or could not be recorded.
func (r DispatchResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == ir.ExecutionFailed || o.Error != "" {
			n++
		}
	}
	return n
}

// Unrecorded reports how many outcomes hit a storage failure.
func (r DispatchResult) Unrecorded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Unrecorded {
			n++
		}
	}
	return n
}

// Dispatcher matches events against the rule table and executes every
// matching rule in priority order.
type Dispatcher struct {
	store    *store.Store
	executor *Executor
	opts     options
}

// NewDispatcher creates a Dispatcher over s.
func NewDispatcher(s *store.Store, opts ...Option) *Dispatcher {
	x := NewExecutor(s, opts...)
	return &Dispatcher{store: s, executor: x, opts: x.opts}
}

// Handlers returns the table operations are resolved from.
func (d *Dispatcher) Handlers() *HandlerTable {
	return d.opts.handlers
}

// Dispatch runs every enabled rule whose trigger is (ev.AgentID, ev.Action)
// and whose trigger pattern is a subset of ev.Snapshot.
//
// Rules run in priority DESC order, ties broken by creation order. Each rule
// is executed independently: a failed execution, or one that could not be
// recorded, is reported in its Outcome and later rules still run. The
// returned error is reserved for invalid events and for a rule query that
// could not be answered at all.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (DispatchResult, error) {
	if err := ev.Validate(); err != nil {
		return DispatchResult{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, d.opts.tracer, "dispatch",
		telemetry.AttrTriggerAgent.String(ev.AgentID),
		telemetry.AttrTriggerAction.String(ev.Action),
	)
	defer span.End()
	d.opts.metrics.Dispatches.Add(ctx, 1)

	candidates, err := d.store.MatchRules(ctx, ev.AgentID, ev.Action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "match rules")
		return DispatchResult{}, fmt.Errorf("dispatch %s/%s: %w", ev.AgentID, ev.Action, err)
	}

	result := DispatchResult{
		TriggerAgent:  ev.AgentID,
		TriggerAction: ev.Action,
		Outcomes:      []Outcome{},
	}
	for _, rule := range candidates {
		if rule.Trigger != nil && !matchPattern(rule.Trigger.Pattern, ev.Snapshot) {
			d.opts.logger.Debug("trigger pattern not matched", "rule_id", rule.ID)
			continue
		}
		result.Matched++

		op := d.opts.handlers.Resolve(rule, ev)
		outcome, err := d.executor.Execute(ctx, rule, ev, op)
		if err != nil {
			d.opts.logger.Error("execution not recorded",
				"rule_id", rule.ID,
				"trigger_agent", ev.AgentID,
				"trigger_action", ev.Action,
				"error", err,
			)
			outcome.RuleID = rule.ID
			if outcome.Status == "" {
				outcome.Status = ir.ExecutionFailed
			}
			outcome.Error = err.Error()
			outcome.Unrecorded = true
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	d.opts.metrics.MatchedRules.Add(ctx, int64(result.Matched))
	span.SetAttributes(telemetry.AttrMatched.Int(result.Matched))
	d.opts.logger.Info("dispatch complete",
		"trigger_agent", ev.AgentID,
		"trigger_action", ev.Action,
		"matched", result.Matched,
		"failed", result.Failed(),
	)
	return result, nil
}
