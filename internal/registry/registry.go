// Package registry is the write surface over synchronization rules.
//
// Every mutation and the audit row describing it commit in one store
// transaction. Rules are never physically removed: Remove is refused by the
// schema's RESTRICT foreign keys once anything references the rule, which
// after creation is always the case.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/agentsync/internal/audit"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
)

// SyncRequest records a manual, one-shot synchronization.
type SyncRequest struct {
	Category       string      `json:"category"`
	Pattern        string      `json:"pattern"`
	SourceLocation string      `json:"source,omitempty"`
	TargetLocation string      `json:"target,omitempty"`
	WorktreePath   string      `json:"worktree"`
	AgentID        string      `json:"agent_id,omitempty"`
	Metadata       ir.IRObject `json:"metadata,omitempty"`
	Actor          ir.Actor    `json:"-"`
}

// RuleRequest registers a reactive rule.
// Priority and Enabled default to ir.DefaultPriority and true when nil.
type RuleRequest struct {
	ID             string      `json:"id,omitempty"`
	Category       string      `json:"category"`
	Pattern        string      `json:"pattern"`
	SourceLocation string      `json:"source,omitempty"`
	TargetLocation string      `json:"target_location,omitempty"`
	WorktreePath   string      `json:"worktree"`
	AgentID        string      `json:"agent_id,omitempty"`
	Trigger        ir.Trigger  `json:"trigger"`
	Target         ir.Target   `json:"target"`
	Priority       *int        `json:"priority,omitempty"`
	Enabled        *bool       `json:"enabled,omitempty"`
	Metadata       ir.IRObject `json:"metadata,omitempty"`
	Actor          ir.Actor    `json:"-"`
}

// Registry creates and mutates rules.
type Registry struct {
	store  *store.Store
	audit  *audit.Logger
	ids    ir.IDGenerator
	clock  ir.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets the id source for rules and audit rows.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(r *Registry) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithClock sets the wall clock.
func WithClock(c ir.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Registry over s.
func New(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		ids:    ir.UUIDv7Generator{},
		clock:  ir.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.audit = audit.NewLogger(s, r.ids, r.clock)
	return r
}

// Validate checks the request without touching the store.
func (req SyncRequest) Validate() error {
	if _, err := ir.ValidateCategory(req.Category); err != nil {
		return err
	}
	if _, err := ir.ValidatePattern(req.Pattern); err != nil {
		return err
	}
	if strings.TrimSpace(req.WorktreePath) == "" {
		return &ir.ValidationError{Field: "worktree", Message: "required"}
	}
	return nil
}

// RecordSync stores a manual synchronization with status completed.
func (r *Registry) RecordSync(ctx context.Context, req SyncRequest) (ir.Rule, error) {
	if err := req.Validate(); err != nil {
		return ir.Rule{}, err
	}

	now := r.clock.Now()
	rule := ir.Rule{
		ID:             r.ids.Generate(),
		AgentID:        firstNonEmpty(req.AgentID, req.Actor.ID),
		WorktreePath:   req.WorktreePath,
		Category:       ir.Category(req.Category),
		SourceLocation: req.SourceLocation,
		TargetLocation: req.TargetLocation,
		Pattern:        ir.Pattern(req.Pattern),
		Status:         ir.StatusCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
		Metadata:       req.Metadata,
		Priority:       ir.DefaultPriority,
		Enabled:        true,
	}
	if err := r.create(ctx, rule, req.Actor, "manual"); err != nil {
		return ir.Rule{}, err
	}
	return rule, nil
}

// RegisterRule stores a reactive rule with status pending.
func (r *Registry) RegisterRule(ctx context.Context, req RuleRequest) (ir.Rule, error) {
	category, err := ir.ValidateCategory(req.Category)
	if err != nil {
		return ir.Rule{}, err
	}
	pattern, err := ir.ValidatePattern(req.Pattern)
	if err != nil {
		return ir.Rule{}, err
	}
	if strings.TrimSpace(req.WorktreePath) == "" {
		return ir.Rule{}, &ir.ValidationError{Field: "worktree", Message: "required"}
	}
	for _, f := range []struct{ name, value string }{
		{"trigger.agent_id", req.Trigger.AgentID},
		{"trigger.action", req.Trigger.Action},
		{"target.agent_id", req.Target.AgentID},
		{"target.action", req.Target.Action},
	} {
		if strings.TrimSpace(f.value) == "" {
			return ir.Rule{}, &ir.ValidationError{Field: f.name, Message: "required"}
		}
	}

	priority := ir.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id := req.ID
	if id == "" {
		id = r.ids.Generate()
	}

	trigger := req.Trigger
	target := req.Target
	rule := ir.Rule{
		ID:             id,
		AgentID:        firstNonEmpty(req.AgentID, req.Trigger.AgentID),
		WorktreePath:   req.WorktreePath,
		Category:       category,
		SourceLocation: req.SourceLocation,
		TargetLocation: req.TargetLocation,
		Pattern:        pattern,
		Status:         ir.StatusPending,
		CreatedAt:      r.clock.Now(),
		Metadata:       req.Metadata,
		Trigger:        &trigger,
		Target:         &target,
		Priority:       priority,
		Enabled:        enabled,
	}
	if err := r.create(ctx, rule, req.Actor, "reactive"); err != nil {
		return ir.Rule{}, err
	}
	return rule, nil
}

func (r *Registry) create(ctx context.Context, rule ir.Rule, actor ir.Actor, mode string) error {
	details := ir.IRObject{
		"mode":         ir.IRString(mode),
		"sync_type":    ir.IRString(rule.Category),
		"pattern_name": ir.IRString(rule.Pattern),
		"worktree":     ir.IRString(rule.WorktreePath),
		"status":       ir.IRString(rule.Status),
	}
	if rule.Trigger != nil {
		details["trigger"] = ir.IRString(rule.Trigger.AgentID + "/" + rule.Trigger.Action)
		details["priority"] = ir.IRInt(rule.Priority)
	}

	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRule(ctx, rule); err != nil {
			return err
		}
		_, err := r.audit.Record(ctx, tx, audit.Entry{
			Type:    ir.AuditRuleCreated,
			RuleID:  rule.ID,
			Actor:   actor,
			Details: details,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	r.logger.Debug("rule created", "rule_id", rule.ID, "mode", mode, "pattern", rule.Pattern)
	return nil
}

// Enable turns a rule on for dispatch.
func (r *Registry) Enable(ctx context.Context, id string, actor ir.Actor) (ir.Rule, error) {
	return r.setEnabled(ctx, id, true, actor)
}

// Disable soft-deletes a rule: it stays stored but dispatch ignores it.
func (r *Registry) Disable(ctx context.Context, id string, actor ir.Actor) (ir.Rule, error) {
	return r.setEnabled(ctx, id, false, actor)
}

func (r *Registry) setEnabled(ctx context.Context, id string, enabled bool, actor ir.Actor) (ir.Rule, error) {
	eventType := ir.AuditRuleDisabled
	if enabled {
		eventType = ir.AuditRuleEnabled
	}
	return r.mutate(ctx, id, func(tx *store.Tx, rule *ir.Rule) (audit.Entry, error) {
		previous := rule.Enabled
		if err := tx.SetRuleEnabled(ctx, id, enabled); err != nil {
			return audit.Entry{}, err
		}
		rule.Enabled = enabled
		return audit.Entry{
			Type:    eventType,
			Actor:   actor,
			Details: ir.IRObject{"previous": ir.IRBool(previous)},
		}, nil
	})
}

// SetPriority changes a rule's dispatch priority.
func (r *Registry) SetPriority(ctx context.Context, id string, priority int, actor ir.Actor) (ir.Rule, error) {
	return r.mutate(ctx, id, func(tx *store.Tx, rule *ir.Rule) (audit.Entry, error) {
		from := rule.Priority
		if err := tx.SetRulePriority(ctx, id, priority); err != nil {
			return audit.Entry{}, err
		}
		rule.Priority = priority
		return audit.Entry{
			Type:    ir.AuditRuleReprioritized,
			Actor:   actor,
			Details: ir.IRObject{"from": ir.IRInt(from), "to": ir.IRInt(priority)},
		}, nil
	})
}

// AdvanceStatus moves a rule forward in its lifecycle. Moves the lifecycle
// forbids return *ir.TransitionError and change nothing.
func (r *Registry) AdvanceStatus(ctx context.Context, id string, status ir.RuleStatus, actor ir.Actor) (ir.Rule, error) {
	if _, err := ir.ValidateRuleStatus(string(status)); err != nil {
		return ir.Rule{}, err
	}
	return r.mutate(ctx, id, func(tx *store.Tx, rule *ir.Rule) (audit.Entry, error) {
		from := rule.Status
		if !ir.CanTransition(from, status) {
			return audit.Entry{}, &ir.TransitionError{RuleID: id, From: from, To: status}
		}

		var completedAt *time.Time
		if status == ir.StatusCompleted || status == ir.StatusFailed {
			now := r.clock.Now()
			completedAt = &now
			rule.CompletedAt = completedAt
		}
		if err := tx.SetRuleStatus(ctx, id, status, completedAt); err != nil {
			return audit.Entry{}, err
		}
		rule.Status = status
		return audit.Entry{
			Type:    ir.AuditRuleStatusChanged,
			Actor:   actor,
			Details: ir.IRObject{"from": ir.IRString(from), "to": ir.IRString(status)},
		}, nil
	})
}

// Rollback moves a completed or failed rule to rolled_back.
func (r *Registry) Rollback(ctx context.Context, id string, actor ir.Actor) (ir.Rule, error) {
	return r.AdvanceStatus(ctx, id, ir.StatusRolledBack, actor)
}

// mutate reads the rule, applies fn and records the entry fn returns, all in
// one transaction.
func (r *Registry) mutate(ctx context.Context, id string, fn func(tx *store.Tx, rule *ir.Rule) (audit.Entry, error)) (ir.Rule, error) {
	var rule ir.Rule
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rule, err = tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		entry, err := fn(tx, &rule)
		if err != nil {
			return err
		}
		entry.RuleID = id
		_, err = r.audit.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		return ir.Rule{}, err
	}
	return rule, nil
}

// Remove attempts to delete a rule. A rule referenced by executions or audit
// rows is refused with *ir.ReferentialError and the refusal is itself
// audited. Nothing is ever cascaded.
func (r *Registry) Remove(ctx context.Context, id string, actor ir.Actor) error {
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteRule(ctx, id); err != nil {
			return err
		}
		_, err := r.audit.Record(ctx, tx, audit.Entry{
			Type:    ir.AuditRuleDeleted,
			Actor:   actor,
			Details: ir.IRObject{"rule_id": ir.IRString(id)},
		})
		return err
	})
	if err == nil {
		return nil
	}
	if !store.IsForeignKeyViolation(err) {
		return err
	}

	refErr := &ir.ReferentialError{RuleID: id, Err: err}
	auditErr := r.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := r.audit.Record(ctx, tx, audit.Entry{
			Type:    ir.AuditRuleDeleteRejected,
			RuleID:  id,
			Actor:   actor,
			Details: ir.IRObject{"reason": ir.IRString("referenced by executions or audit events")},
		})
		return err
	})
	if auditErr != nil {
		return errors.Join(refErr, fmt.Errorf("audit delete rejection: %w", auditErr))
	}
	return refErr
}

// Get returns one rule.
func (r *Registry) Get(ctx context.Context, id string) (ir.Rule, error) {
	return r.store.GetRule(ctx, id)
}

// List returns rules matching f.
func (r *Registry) List(ctx context.Context, f store.RuleFilter) ([]ir.Rule, error) {
	return r.store.ListRules(ctx, f)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
