package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agentsync/internal/ir"
)

const auditColumns = `
	audit_id, rule_id, execution_id, event_type, actor, actor_role, occurred_at,
	sensitive_data_involved, compliance_context, event_details, network_origin, session_id`

// AuditFilter narrows ListAudit. Zero fields do not filter.
type AuditFilter struct {
	RuleID      string
	ExecutionID string
	EventType   ir.AuditEventType
	Actor       string
	Sensitive   *bool
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditCount is one row of CountAuditByType.
type AuditCount struct {
	EventType ir.AuditEventType `json:"event_type"`
	Count     int64             `json:"count"`
}

// InsertAudit appends one audit row. sync_audit_trail has no update or
// delete path in this package; the schema triggers reject both.
func (t *Tx) InsertAudit(ctx context.Context, ev ir.AuditEvent) error {
	compliance, err := marshalObject(ev.ComplianceContext)
	if err != nil {
		return fmt.Errorf("insert audit: compliance context: %w", err)
	}
	details, err := marshalObject(ev.Details)
	if err != nil {
		return fmt.Errorf("insert audit: details: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sync_audit_trail (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		nullString(ev.RuleID),
		nullString(ev.ExecutionID),
		string(ev.EventType),
		ev.Actor,
		ev.ActorRole,
		formatTime(ev.OccurredAt),
		boolInt(ev.Sensitive),
		compliance,
		details,
		nullString(ev.NetworkOrigin),
		nullString(ev.SessionID),
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", ev.EventType, err)
	}
	return nil
}

// ListAudit returns audit rows oldest first, ties broken by insertion order.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]ir.AuditEvent, error) {
	where, args := auditWhere(f)

	query := `SELECT ` + auditColumns + ` FROM sync_audit_trail` + where +
		` ORDER BY occurred_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := []ir.AuditEvent{}
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

// CountAuditByType groups the filtered audit rows by event type.
func (s *Store) CountAuditByType(ctx context.Context, f AuditFilter) ([]AuditCount, error) {
	where, args := auditWhere(f)

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM sync_audit_trail`+where+`
		GROUP BY event_type
		ORDER BY event_type COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("count audit: %w", err)
	}
	defer rows.Close()

	counts := []AuditCount{}
	for rows.Next() {
		var c AuditCount
		var eventType string
		if err := rows.Scan(&eventType, &c.Count); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		c.EventType = ir.AuditEventType(eventType)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit counts: %w", err)
	}
	return counts, nil
}

// CountAuditFor counts audit rows that reference id as either a rule id or
// an execution id.
func (s *Store) CountAuditFor(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_audit_trail WHERE rule_id = ? OR execution_id = ?
	`, id, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit for %s: %w", id, err)
	}
	return n, nil
}

func auditWhere(f AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Sensitive != nil {
		where = append(where, "sensitive_data_involved = ?")
		args = append(args, boolInt(*f.Sensitive))
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func scanAudit(sc scanner) (ir.AuditEvent, error) {
	var (
		ev                  ir.AuditEvent
		ruleID, executionID sql.NullString
		eventType           string
		occurredAt          string
		sensitive           int
		compliance, details string
		origin, sessionID   sql.NullString
	)
	err := sc.Scan(
		&ev.ID, &ruleID, &executionID, &eventType, &ev.Actor, &ev.ActorRole, &occurredAt,
		&sensitive, &compliance, &details, &origin, &sessionID,
	)
	if err != nil {
		return ir.AuditEvent{}, fmt.Errorf("scan audit: %w", err)
	}

	ev.RuleID = ruleID.String
	ev.ExecutionID = executionID.String
	ev.EventType = ir.AuditEventType(eventType)
	ev.Sensitive = sensitive != 0
	ev.NetworkOrigin = origin.String
	ev.SessionID = sessionID.String

	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return ir.AuditEvent{}, err
	}
	if ev.ComplianceContext, err = unmarshalObject(compliance); err != nil {
		return ir.AuditEvent{}, fmt.Errorf("audit %s compliance context: %w", ev.ID, err)
	}
	if ev.Details, err = unmarshalObject(details); err != nil {
		return ir.AuditEvent{}, fmt.Errorf("audit %s details: %w", ev.ID, err)
	}
	return ev, nil
}
