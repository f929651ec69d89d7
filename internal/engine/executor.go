package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/agentsync/internal/audit"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
)

// Event is one state change reported by an agent.
type Event struct {
	AgentID  string
	Action   string
	Snapshot ir.IRObject
	Context  DispatchContext
}

// DispatchContext carries who is dispatching and what they declare about
// sensitive data.
type DispatchContext struct {
	Actor         ir.Actor
	Sensitive     bool
	Justification string
	Compliance    ir.IRObject
}

// Validate checks that ev names a trigger and that its snapshot has a
// canonical form, since the snapshot is what idempotency keys are made of.
func (ev Event) Validate() error {
	if ev.AgentID == "" {
		return &ir.ValidationError{Field: "trigger_agent", Message: "required"}
	}
	if ev.Action == "" {
		return &ir.ValidationError{Field: "trigger_action", Message: "required"}
	}
	if _, err := ir.MarshalCanonical(ev.Snapshot); err != nil {
		return &ir.ValidationError{Field: "snapshot", Message: err.Error()}
	}
	return nil
}

// actor returns the dispatch actor, defaulting to the trigger agent.
func (ev Event) actor() ir.Actor {
	a := ev.Context.Actor
	if a.ID == "" {
		a.ID = ev.AgentID
	}
	if a.Role == "" {
		a.Role = "agent"
	}
	return a
}

// Outcome is the result of executing one rule for one event.
type Outcome struct {
	RuleID      string             `json:"rule_id"`
	ExecutionID string             `json:"execution_id,omitempty"`
	Order       int64              `json:"execution_order,omitempty"`
	Status      ir.ExecutionStatus `json:"status"`
	Duplicate   bool               `json:"duplicate"`
	Error       string             `json:"error,omitempty"`

	// Unrecorded is set when the store failed while claiming or completing
	// the execution.
	Unrecorded bool `json:"unrecorded,omitempty"`
}

// Executor runs a rule at most once per (rule, trigger action, snapshot).
//
// The unique idempotency key is the only concurrency control: the claim is
// an insert that either lands or hits the existing row, so two processes
// racing on the same event produce one execution between them.
type Executor struct {
	store *store.Store
	audit *audit.Logger
	opts  options
}

// NewExecutor creates an Executor over s.
func NewExecutor(s *store.Store, opts ...Option) *Executor {
	o := applyOptions(opts)
	return &Executor{
		store: s,
		audit: audit.NewLogger(s, o.ids, o.clock),
		opts:  o,
	}
}

// Execute claims, runs and completes one execution of rule for ev.
//
// A duplicate claim returns the original execution's id and status with
// Duplicate set and performs no side effects beyond its audit row.
// Operation failures end the execution as failed and are reported in the
// Outcome; the returned error is reserved for storage failures.
func (x *Executor) Execute(ctx context.Context, rule ir.Rule, ev Event, op Operation) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, x.opts.tracer, "execute",
		telemetry.AttrRuleID.String(rule.ID),
		telemetry.AttrTriggerAction.String(ev.Action),
	)
	defer span.End()

	key, err := ir.IdempotencyKey(rule.ID, ev.Action, ev.Snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "idempotency key")
		return Outcome{RuleID: rule.ID}, fmt.Errorf("execute rule %s: %w", rule.ID, err)
	}

	if op.Type == "" {
		op.Type = OperationTicket
	}

	claimed, inserted, err := x.claim(ctx, rule, ev, op, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		x.opts.metrics.Failures.Add(ctx, 1)
		return Outcome{RuleID: rule.ID}, err
	}
	span.SetAttributes(
		telemetry.AttrExecutionID.String(claimed.ID),
		telemetry.AttrDuplicate.Bool(!inserted),
	)

	if !inserted {
		x.opts.metrics.Duplicates.Add(ctx, 1)
		x.opts.logger.Debug("duplicate execution",
			"rule_id", rule.ID,
			"execution_id", claimed.ID,
			"status", claimed.Status,
		)
		return Outcome{
			RuleID:      rule.ID,
			ExecutionID: claimed.ID,
			Order:       claimed.Order,
			Status:      claimed.Status,
			Duplicate:   true,
		}, nil
	}
	x.opts.metrics.Executions.Add(ctx, 1)

	finished, err := x.finish(ctx, ev, x.run(ctx, rule, ev, op, claimed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete")
		x.opts.metrics.Failures.Add(ctx, 1)
		return Outcome{RuleID: rule.ID, ExecutionID: claimed.ID, Order: claimed.Order, Status: ir.ExecutionRunning}, err
	}

	x.opts.metrics.ExecutionDuration.Record(ctx, float64(finished.DurationMS),
		metric.WithAttributes(attribute.String("status", string(finished.Status))),
	)

	out := Outcome{
		RuleID:      rule.ID,
		ExecutionID: finished.ID,
		Order:       finished.Order,
		Status:      finished.Status,
	}
	if finished.Status == ir.ExecutionFailed {
		out.Error = finished.ErrorMessage
		x.opts.metrics.Failures.Add(ctx, 1)
		span.SetStatus(codes.Error, finished.ErrorMessage)
		x.opts.logger.Warn("execution failed",
			"rule_id", rule.ID,
			"execution_id", finished.ID,
			"error", finished.ErrorMessage,
		)
	}
	return out, nil
}

// claim inserts the running execution and its audit row in one transaction.
// A pending rule moves to in_progress on its first claim.
func (x *Executor) claim(ctx context.Context, rule ir.Rule, ev Event, op Operation, key string) (ir.Execution, bool, error) {
	candidate := ir.Execution{
		ID:             x.opts.ids.Generate(),
		RuleID:         rule.ID,
		OperationType:  op.Type,
		FilePath:       op.FilePath,
		StartedAt:      x.opts.clock.Now(),
		IdempotencyKey: key,
		TriggerState:   ev.Snapshot.Clone(),
		Metadata: ir.IRObject{
			"trigger_agent":  ir.IRString(ev.AgentID),
			"trigger_action": ir.IRString(ev.Action),
		},
	}
	actor := ev.actor()

	var (
		claimed  ir.Execution
		inserted bool
	)
	err := x.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		claimed, inserted, err = tx.ClaimExecution(ctx, candidate)
		if err != nil {
			return err
		}

		if !inserted {
			_, err = x.audit.Record(ctx, tx, audit.Entry{
				Type:        ir.AuditExecutionDuplicate,
				RuleID:      rule.ID,
				ExecutionID: claimed.ID,
				Actor:       actor,
				Sensitive:   ev.Context.Sensitive,
				Compliance:  ev.Context.Compliance,
				Details: ir.IRObject{
					"idempotency_key": ir.IRString(key),
					"status":          ir.IRString(claimed.Status),
				},
			})
			return err
		}

		if _, err := x.audit.Record(ctx, tx, audit.Entry{
			Type:        ir.AuditExecutionClaimed,
			RuleID:      rule.ID,
			ExecutionID: claimed.ID,
			Actor:       actor,
			Sensitive:   ev.Context.Sensitive,
			Compliance:  ev.Context.Compliance,
			Details: ir.IRObject{
				"idempotency_key": ir.IRString(key),
				"execution_order": ir.IRInt(claimed.Order),
				"operation_type":  ir.IRString(claimed.OperationType),
			},
		}); err != nil {
			return err
		}

		current, err := tx.GetRule(ctx, rule.ID)
		if err != nil {
			return err
		}
		if current.Status != ir.StatusPending {
			return nil
		}
		if err := tx.SetRuleStatus(ctx, rule.ID, ir.StatusInProgress, nil); err != nil {
			return err
		}
		_, err = x.audit.Record(ctx, tx, audit.Entry{
			Type:   ir.AuditRuleStatusChanged,
			RuleID: rule.ID,
			Actor:  actor,
			Details: ir.IRObject{
				"from": ir.IRString(ir.StatusPending),
				"to":   ir.IRString(ir.StatusInProgress),
			},
		})
		return err
	})
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution for rule %s: %w", rule.ID, err)
	}
	return claimed, inserted, nil
}

// run executes op outside any transaction and fills in the completion
// fields of e. A failed execution carries the reason in ErrorMessage.
func (x *Executor) run(ctx context.Context, rule ir.Rule, ev Event, op Operation, e ir.Execution) ir.Execution {
	var runErr error

	if op.FilePath != "" {
		sum, err := ir.FileChecksum(op.FilePath)
		if err != nil {
			runErr = &RuntimeError{Code: ErrCodeChecksum, Message: err.Error(), RuleID: rule.ID, ExecutionID: e.ID, Err: err}
		}
		e.ChecksumBefore = sum
	}

	var out Output
	if runErr == nil && op.Run != nil {
		var err error
		out, err = safeRun(ctx, op, Request{Rule: rule, Event: ev, ExecutionID: e.ID, Order: e.Order})
		if err != nil {
			runErr = NewOperationError(rule.ID, e.ID, err)
		}
	}

	if op.FilePath != "" && runErr == nil {
		sum, err := ir.FileChecksum(op.FilePath)
		if err != nil {
			runErr = &RuntimeError{Code: ErrCodeChecksum, Message: err.Error(), RuleID: rule.ID, ExecutionID: e.ID, Err: err}
		}
		e.ChecksumAfter = sum
	}

	e.SensitiveDataAccessed = out.SensitiveDataAccessed || ev.Context.Sensitive
	e.Justification = out.Justification
	if e.Justification == "" {
		e.Justification = ev.Context.Justification
	}
	if runErr == nil && e.SensitiveDataAccessed && strings.TrimSpace(e.Justification) == "" {
		runErr = NewSensitiveError(rule.ID, e.ID)
	}

	for k, v := range out.Metadata {
		if e.Metadata == nil {
			e.Metadata = ir.IRObject{}
		}
		e.Metadata[k] = v
	}

	completed := x.opts.clock.Now()
	e.CompletedAt = &completed
	e.DurationMS = completed.Sub(e.StartedAt).Milliseconds()
	if e.DurationMS < 0 {
		e.DurationMS = 0
	}

	if runErr != nil {
		e.Status = ir.ExecutionFailed
		e.ErrorMessage = runErr.Error()
		return e
	}
	e.Status = ir.ExecutionSucceeded
	e.Result = out.Result
	return e
}

// safeRun converts a panicking operation into an error so the execution
// still completes as failed.
func safeRun(ctx context.Context, op Operation, req Request) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.Type, r)
		}
	}()
	return op.Run(ctx, req)
}

// finish completes e. An outcome the store rejects on a constraint is
// written again as failed, so a claimed execution never stays running.
func (x *Executor) finish(ctx context.Context, ev Event, e ir.Execution) (ir.Execution, error) {
	err := x.complete(ctx, ev, e)
	if err == nil || !store.IsCheckViolation(err) || e.Status == ir.ExecutionFailed {
		return e, err
	}

	rejected := &RuntimeError{
		Code:        ErrCodeCompletionRejected,
		Message:     err.Error(),
		RuleID:      e.RuleID,
		ExecutionID: e.ID,
		Err:         err,
	}
	e.Status = ir.ExecutionFailed
	e.Result = ""
	e.ErrorMessage = rejected.Error()
	x.opts.logger.Warn("completion rejected, recording execution as failed",
		"rule_id", e.RuleID,
		"execution_id", e.ID,
		"error", err,
	)
	return e, x.complete(ctx, ev, e)
}

// complete writes the outcome of e with its audit row.
func (x *Executor) complete(ctx context.Context, ev Event, e ir.Execution) error {
	eventType := ir.AuditExecutionSucceeded
	details := ir.IRObject{
		"duration_ms": ir.IRInt(e.DurationMS),
	}
	if e.Status == ir.ExecutionFailed {
		eventType = ir.AuditExecutionFailed
		details["error"] = ir.IRString(e.ErrorMessage)
	}
	if e.ChecksumBefore != "" {
		details["checksum_before"] = ir.IRString(e.ChecksumBefore)
	}
	if e.ChecksumAfter != "" {
		details["checksum_after"] = ir.IRString(e.ChecksumAfter)
	}
	if e.Justification != "" {
		details["sensitive_justification"] = ir.IRString(e.Justification)
	}

	err := x.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CompleteExecution(ctx, e); err != nil {
			return err
		}
		_, err := x.audit.Record(ctx, tx, audit.Entry{
			Type:        eventType,
			RuleID:      e.RuleID,
			ExecutionID: e.ID,
			Actor:       ev.actor(),
			Sensitive:   e.SensitiveDataAccessed,
			Compliance:  ev.Context.Compliance,
			Details:     details,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", e.ID, err)
	}
	return nil
}
