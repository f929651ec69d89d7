package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agentsync/internal/ir"
)

const ruleColumns = `
	rule_id, agent_id, worktree_path, sync_type, source_location, target_location,
	pattern_name, status, created_at, completed_at, metadata,
	trigger_agent_id, trigger_action, trigger_pattern, target_agent_id, target_action,
	priority, enabled`

// RuleFilter narrows ListRules. Zero fields do not filter.
type RuleFilter struct {
	AgentID      string
	Status       ir.RuleStatus
	Pattern      ir.Pattern
	WorktreePath string
	Enabled      *bool
	Limit        int
}

// InsertRule writes a new rule row. Fails on a duplicate rule id.
func (t *Tx) InsertRule(ctx context.Context, r ir.Rule) error {
	metadata, err := marshalObject(r.Metadata)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	var (
		triggerAgent, triggerAction sql.NullString
		targetAgent, targetAction   sql.NullString
	)
	triggerPattern := "{}"
	if r.Trigger != nil {
		triggerAgent = nullString(r.Trigger.AgentID)
		triggerAction = nullString(r.Trigger.Action)
		if triggerPattern, err = marshalObject(r.Trigger.Pattern); err != nil {
			return fmt.Errorf("insert rule: trigger pattern: %w", err)
		}
	}
	if r.Target != nil {
		targetAgent = nullString(r.Target.AgentID)
		targetAction = nullString(r.Target.Action)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO agent_synchronizations (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.AgentID,
		r.WorktreePath,
		string(r.Category),
		nullString(r.SourceLocation),
		nullString(r.TargetLocation),
		string(r.Pattern),
		string(r.Status),
		formatTime(r.CreatedAt),
		formatTimePtr(r.CompletedAt),
		metadata,
		triggerAgent,
		triggerAction,
		triggerPattern,
		targetAgent,
		targetAction,
		r.Priority,
		boolInt(r.Enabled),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule reads a rule inside the transaction.
func (t *Tx) GetRule(ctx context.Context, id string) (ir.Rule, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM agent_synchronizations WHERE rule_id = ?`, id)
	return scanRuleRow(row, id)
}

// SetRuleEnabled flips the enabled flag.
func (t *Tx) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	return t.updateRule(ctx, id, `UPDATE agent_synchronizations SET enabled = ? WHERE rule_id = ?`, boolInt(enabled), id)
}

// SetRulePriority changes the dispatch priority.
func (t *Tx) SetRulePriority(ctx context.Context, id string, priority int) error {
	return t.updateRule(ctx, id, `UPDATE agent_synchronizations SET priority = ? WHERE rule_id = ?`, priority, id)
}

// SetRuleStatus writes a new lifecycle status. completedAt is stored only
// when non-nil; an existing completed_at is kept otherwise.
func (t *Tx) SetRuleStatus(ctx context.Context, id string, status ir.RuleStatus, completedAt *time.Time) error {
	return t.updateRule(ctx, id, `
		UPDATE agent_synchronizations
		SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE rule_id = ?
	`, string(status), formatTimePtr(completedAt), id)
}

func (t *Tx) updateRule(ctx context.Context, id, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rule %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRule physically deletes a rule. Rules referenced by executions or
// audit rows fail with a foreign key violation; see IsForeignKeyViolation.
func (t *Tx) DeleteRule(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM agent_synchronizations WHERE rule_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRule returns one rule or ErrNotFound.
func (s *Store) GetRule(ctx context.Context, id string) (ir.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM agent_synchronizations WHERE rule_id = ?`, id)
	return scanRuleRow(row, id)
}

// ListRules returns rules newest first, then by rule id.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]ir.Rule, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Pattern != "" {
		where = append(where, "pattern_name = ?")
		args = append(args, string(f.Pattern))
	}
	if f.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, f.WorktreePath)
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}

	query := `SELECT ` + ruleColumns + ` FROM agent_synchronizations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rule_id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	return s.queryRules(ctx, query, args...)
}

// MatchRules returns enabled reactive rules for a trigger in dispatch order:
// priority DESC, then creation order (oldest first), then insertion order.
func (s *Store) MatchRules(ctx context.Context, triggerAgent, triggerAction string) ([]ir.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM agent_synchronizations
		WHERE trigger_agent_id = ? AND trigger_action = ? AND enabled = 1
		ORDER BY priority DESC, created_at ASC, rowid ASC
	`, triggerAgent, triggerAction)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]ir.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	rules := []ir.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

func scanRuleRow(row *sql.Row, id string) (ir.Rule, error) {
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

func scanRule(sc scanner) (ir.Rule, error) {
	var (
		r                           ir.Rule
		category, pattern, status   string
		source, target              sql.NullString
		createdAt                   string
		completedAt                 sql.NullString
		metadata, triggerPattern    string
		triggerAgent, triggerAction sql.NullString
		targetAgent, targetAction   sql.NullString
		enabled                     int
	)
	err := sc.Scan(
		&r.ID, &r.AgentID, &r.WorktreePath, &category, &source, &target,
		&pattern, &status, &createdAt, &completedAt, &metadata,
		&triggerAgent, &triggerAction, &triggerPattern, &targetAgent, &targetAction,
		&r.Priority, &enabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Rule{}, err
		}
		return ir.Rule{}, fmt.Errorf("scan rule: %w", err)
	}

	r.Category = ir.Category(category)
	r.Pattern = ir.Pattern(pattern)
	r.Status = ir.RuleStatus(status)
	r.SourceLocation = source.String
	r.TargetLocation = target.String
	r.Enabled = enabled != 0

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Rule{}, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return ir.Rule{}, err
	}
	if r.Metadata, err = unmarshalObject(metadata); err != nil {
		return ir.Rule{}, fmt.Errorf("rule %s metadata: %w", r.ID, err)
	}

	if triggerAgent.Valid {
		pat, err := unmarshalObject(triggerPattern)
		if err != nil {
			return ir.Rule{}, fmt.Errorf("rule %s trigger pattern: %w", r.ID, err)
		}
		r.Trigger = &ir.Trigger{AgentID: triggerAgent.String, Action: triggerAction.String, Pattern: pat}
	}
	if targetAgent.Valid || targetAction.Valid {
		r.Target = &ir.Target{AgentID: targetAgent.String, Action: targetAction.String}
	}
	return r, nil
}
