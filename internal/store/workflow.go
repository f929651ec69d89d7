package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/agentsync/internal/ir"
)

const workflowColumns = `record_id, object_id, object_type, object_state, recorded_at, metadata`

// WorkflowFilter narrows ListWorkflowRecords. Zero fields do not filter.
// Worktree matches the "worktree" key of the record metadata.
type WorkflowFilter struct {
	ObjectType string
	ObjectID   string
	State      string
	Worktree   string
	Limit      int
}

// AppendWorkflowRecord inserts an immutable workflow record and returns its id.
func (t *Tx) AppendWorkflowRecord(ctx context.Context, rec ir.WorkflowRecord) (int64, error) {
	metadata, err := marshalObject(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("append workflow record: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_records (object_id, object_type, object_state, recorded_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ObjectID, rec.ObjectType, rec.State, formatTime(rec.RecordedAt), metadata)
	if err != nil {
		return 0, fmt.Errorf("append workflow record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append workflow record: last insert id: %w", err)
	}
	return id, nil
}

// GetWorkflowRecord returns one record or ErrNotFound.
func (s *Store) GetWorkflowRecord(ctx context.Context, id int64) (ir.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_records WHERE record_id = ?`, id)
	rec, err := scanWorkflowRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.WorkflowRecord{}, fmt.Errorf("workflow record %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// LatestWorkflowRecord returns the most recent record for an object, or
// ErrNotFound if the object has none.
func (s *Store) LatestWorkflowRecord(ctx context.Context, objectType, objectID string) (ir.WorkflowRecord, error) {
	return latestWorkflowRecord(ctx, s.db, objectType, objectID)
}

// LatestWorkflowRecord reads the most recent record inside the transaction,
// so a check on it and the append that follows see the same state.
func (t *Tx) LatestWorkflowRecord(ctx context.Context, objectType, objectID string) (ir.WorkflowRecord, error) {
	return latestWorkflowRecord(ctx, t.tx, objectType, objectID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestWorkflowRecord(ctx context.Context, q rowQuerier, objectType, objectID string) (ir.WorkflowRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflow_records
		WHERE object_type = ? AND object_id = ?
		ORDER BY recorded_at DESC, record_id DESC
		LIMIT 1
	`, objectType, objectID)
	rec, err := scanWorkflowRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.WorkflowRecord{}, fmt.Errorf("workflow record %s/%s: %w", objectType, objectID, ErrNotFound)
	}
	return rec, err
}

// ListWorkflowRecords returns records newest first.
func (s *Store) ListWorkflowRecords(ctx context.Context, f WorkflowFilter) ([]ir.WorkflowRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.ObjectType != "" {
		where = append(where, "object_type = ?")
		args = append(args, f.ObjectType)
	}
	if f.ObjectID != "" {
		where = append(where, "object_id = ?")
		args = append(args, f.ObjectID)
	}
	if f.State != "" {
		where = append(where, "object_state = ?")
		args = append(args, f.State)
	}
	if f.Worktree != "" {
		where = append(where, "json_extract(metadata, '$.worktree') = ?")
		args = append(args, f.Worktree)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflow_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, record_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow records: %w", err)
	}
	defer rows.Close()

	records := []ir.WorkflowRecord{}
	for rows.Next() {
		rec, err := scanWorkflowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow records: %w", err)
	}
	return records, nil
}

// StateTransitions reads the workflow_state_transitions view for one object,
// oldest first.
func (s *Store) StateTransitions(ctx context.Context, objectType, objectID string) ([]ir.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, object_type, previous_state, current_state, recorded_at
		FROM workflow_state_transitions
		WHERE object_type = ? AND object_id = ?
		ORDER BY recorded_at ASC, record_id ASC
	`, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("query state transitions: %w", err)
	}
	defer rows.Close()

	transitions := []ir.StateTransition{}
	for rows.Next() {
		var (
			st         ir.StateTransition
			previous   sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&st.ObjectID, &st.ObjectType, &previous, &st.CurrentState, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan state transition: %w", err)
		}
		st.PreviousState = previous.String
		if st.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state transitions: %w", err)
	}
	return transitions, nil
}

func scanWorkflowRecord(sc scanner) (ir.WorkflowRecord, error) {
	var (
		rec        ir.WorkflowRecord
		recordedAt string
		metadata   string
	)
	err := sc.Scan(&rec.ID, &rec.ObjectID, &rec.ObjectType, &rec.State, &recordedAt, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.WorkflowRecord{}, err
		}
		return ir.WorkflowRecord{}, fmt.Errorf("scan workflow record: %w", err)
	}
	if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
		return ir.WorkflowRecord{}, err
	}
	if rec.Metadata, err = unmarshalObject(metadata); err != nil {
		return ir.WorkflowRecord{}, fmt.Errorf("workflow record %d metadata: %w", rec.ID, err)
	}
	return rec, nil
}
