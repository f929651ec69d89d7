// Package audit appends and reports on the sync_audit_trail.
//
// Record is the only write path and it always runs inside the caller's
// store transaction, so a mutation and its audit row commit together. There
// is no update or delete operation for audit rows.
package audit

import (
	"context"
	"fmt"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
)

// Entry is what a caller supplies for one audit row.
type Entry struct {
	Type        ir.AuditEventType
	RuleID      string
	ExecutionID string
	Actor       ir.Actor
	Sensitive   bool
	Compliance  ir.IRObject
	Details     ir.IRObject
}

// Logger stamps entries with an id and time and appends them.
type Logger struct {
	store *store.Store
	ids   ir.IDGenerator
	clock ir.Clock
}

// NewLogger returns a Logger writing to s.
func NewLogger(s *store.Store, ids ir.IDGenerator, clock ir.Clock) *Logger {
	return &Logger{store: s, ids: ids, clock: clock}
}

// Record appends one audit row inside tx. An error here must abort the
// caller's transaction; it is returned, never swallowed.
func (l *Logger) Record(ctx context.Context, tx *store.Tx, e Entry) (ir.AuditEvent, error) {
	if e.Type == "" {
		return ir.AuditEvent{}, &ir.ValidationError{Field: "event_type", Message: "required"}
	}
	if e.Actor.ID == "" {
		return ir.AuditEvent{}, &ir.ValidationError{Field: "actor", Message: "required"}
	}
	if e.Actor.Role == "" {
		return ir.AuditEvent{}, &ir.ValidationError{Field: "actor_role", Message: "required"}
	}

	ev := ir.AuditEvent{
		ID:                l.ids.Generate(),
		RuleID:            e.RuleID,
		ExecutionID:       e.ExecutionID,
		EventType:         e.Type,
		Actor:             e.Actor.ID,
		ActorRole:         e.Actor.Role,
		OccurredAt:        l.clock.Now(),
		Sensitive:         e.Sensitive,
		ComplianceContext: e.Compliance,
		Details:           e.Details,
		NetworkOrigin:     e.Actor.Origin,
		SessionID:         e.Actor.SessionID,
	}
	if err := tx.InsertAudit(ctx, ev); err != nil {
		return ir.AuditEvent{}, fmt.Errorf("audit %s: %w", e.Type, err)
	}
	return ev, nil
}
