package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/agentsync/internal/ir"
)

const executionColumns = `
	execution_id, rule_id, execution_order, operation_type, file_path,
	sensitive_data_accessed, sensitive_justification, result, error_message,
	started_at, completed_at, duration_ms, checksum_before, checksum_after,
	metadata, idempotency_key, trigger_state, execution_status`

// ExecutionFilter narrows ListExecutions. Zero fields do not filter.
type ExecutionFilter struct {
	RuleID string
	Status ir.ExecutionStatus
	Limit  int
}

// ClaimExecution inserts a running execution keyed by e.IdempotencyKey.
//
// The per-rule execution_order is computed inside the INSERT itself as
// MAX(execution_order)+1, so two writers never read-then-write the counter.
// If the key already exists nothing is written and the existing row is
// returned with inserted=false.
func (t *Tx) ClaimExecution(ctx context.Context, e ir.Execution) (claimed ir.Execution, inserted bool, err error) {
	triggerState, err := marshalObject(e.TriggerState)
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution: trigger state: %w", err)
	}
	metadata, err := marshalObject(e.Metadata)
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution: metadata: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_executions
		(execution_id, rule_id, execution_order, operation_type, file_path,
		 started_at, metadata, idempotency_key, trigger_state, execution_status)
		SELECT ?, ?, COALESCE(MAX(execution_order), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM sync_executions
		WHERE rule_id = ?
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		e.ID,
		e.RuleID,
		e.OperationType,
		nullString(e.FilePath),
		formatTime(e.StartedAt),
		metadata,
		e.IdempotencyKey,
		triggerState,
		string(ir.ExecutionRunning),
		e.RuleID,
	)
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution: rows affected: %w", err)
	}

	row := t.tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM sync_executions WHERE idempotency_key = ?`, e.IdempotencyKey)
	claimed, err = scanExecution(row)
	if err != nil {
		return ir.Execution{}, false, fmt.Errorf("claim execution: select: %w", err)
	}
	return claimed, rowsAffected > 0, nil
}

// CompleteExecution writes the outcome of a running execution. Only rows
// still in the running state are updated.
func (t *Tx) CompleteExecution(ctx context.Context, e ir.Execution) error {
	metadata, err := marshalObject(e.Metadata)
	if err != nil {
		return fmt.Errorf("complete execution: metadata: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_executions
		SET sensitive_data_accessed = ?,
		    sensitive_justification = ?,
		    result = ?,
		    error_message = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    checksum_before = ?,
		    checksum_after = ?,
		    metadata = ?,
		    execution_status = ?
		WHERE execution_id = ? AND execution_status = 'running'
	`,
		boolInt(e.SensitiveDataAccessed),
		nullString(e.Justification),
		nullString(e.Result),
		nullString(e.ErrorMessage),
		formatTimePtr(e.CompletedAt),
		e.DurationMS,
		nullString(e.ChecksumBefore),
		nullString(e.ChecksumAfter),
		metadata,
		string(e.Status),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution %s: rows affected: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("complete execution %s: no running execution: %w", e.ID, ErrNotFound)
	}
	return nil
}

// GetExecution returns one execution or ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (ir.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM sync_executions WHERE execution_id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExecutions returns executions ordered by rule, then execution order.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]ir.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		where = append(where, "execution_status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM sync_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rule_id COLLATE BINARY ASC, execution_order ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	executions := []ir.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return executions, nil
}

func scanExecution(sc scanner) (ir.Execution, error) {
	var (
		e                             ir.Execution
		filePath, justification       sql.NullString
		result, errMsg                sql.NullString
		startedAt                     string
		completedAt                   sql.NullString
		checksumBefore, checksumAfter sql.NullString
		metadata, triggerState        string
		status                        string
		sensitive                     int
	)
	err := sc.Scan(
		&e.ID, &e.RuleID, &e.Order, &e.OperationType, &filePath,
		&sensitive, &justification, &result, &errMsg,
		&startedAt, &completedAt, &e.DurationMS, &checksumBefore, &checksumAfter,
		&metadata, &e.IdempotencyKey, &triggerState, &status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Execution{}, err
		}
		return ir.Execution{}, fmt.Errorf("scan execution: %w", err)
	}

	e.FilePath = filePath.String
	e.SensitiveDataAccessed = sensitive != 0
	e.Justification = justification.String
	e.Result = result.String
	e.ErrorMessage = errMsg.String
	e.ChecksumBefore = checksumBefore.String
	e.ChecksumAfter = checksumAfter.String
	e.Status = ir.ExecutionStatus(status)

	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return ir.Execution{}, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return ir.Execution{}, err
	}
	if e.Metadata, err = unmarshalObject(metadata); err != nil {
		return ir.Execution{}, fmt.Errorf("execution %s metadata: %w", e.ID, err)
	}
	if e.TriggerState, err = unmarshalObject(triggerState); err != nil {
		return ir.Execution{}, fmt.Errorf("execution %s trigger state: %w", e.ID, err)
	}
	return e, nil
}
