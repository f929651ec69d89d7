package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
)

func appendRecord(t *testing.T, s *Store, rec ir.WorkflowRecord) int64 {
	t.Helper()
	var id int64
	mustTx(t, s, func(tx *Tx) error {
		var err error
		id, err = tx.AppendWorkflowRecord(context.Background(), rec)
		return err
	})
	return id
}

func TestWorkflowRecords_LatestAndTransitions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, state := range []string{"specify", "plan", "tasks"} {
		appendRecord(t, s, ir.WorkflowRecord{
			ObjectID:   "/tmp/wt",
			ObjectType: ir.ObjectWorktree,
			State:      state,
			RecordedAt: testEpoch.Add(time.Duration(i) * time.Minute),
		})
	}
	appendRecord(t, s, ir.WorkflowRecord{
		ObjectID: "/tmp/other", ObjectType: ir.ObjectWorktree, State: "init", RecordedAt: testEpoch,
	})

	latest, err := s.LatestWorkflowRecord(ctx, ir.ObjectWorktree, "/tmp/wt")
	require.NoError(t, err)
	assert.Equal(t, "tasks", latest.State)

	transitions, err := s.StateTransitions(ctx, ir.ObjectWorktree, "/tmp/wt")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, "", transitions[0].PreviousState)
	assert.Equal(t, "specify", transitions[0].CurrentState)
	assert.Equal(t, "specify", transitions[1].PreviousState)
	assert.Equal(t, "plan", transitions[1].CurrentState)
	assert.Equal(t, "plan", transitions[2].PreviousState)
	assert.Equal(t, "tasks", transitions[2].CurrentState)
}

func TestWorkflowRecords_SameTimestampUsesRecordOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	appendRecord(t, s, ir.WorkflowRecord{ObjectID: "w", ObjectType: ir.ObjectWorktree, State: "init", RecordedAt: testEpoch})
	appendRecord(t, s, ir.WorkflowRecord{ObjectID: "w", ObjectType: ir.ObjectWorktree, State: "develop", RecordedAt: testEpoch})

	latest, err := s.LatestWorkflowRecord(ctx, ir.ObjectWorktree, "w")
	require.NoError(t, err)
	assert.Equal(t, "develop", latest.State)
}

func TestLatestWorkflowRecord_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LatestWorkflowRecord(context.Background(), ir.ObjectWorktree, "/nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkflowRecords_ByWorktreeMetadata(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id := appendRecord(t, s, ir.WorkflowRecord{
		ObjectID: "cp-1", ObjectType: ir.ObjectCheckpoint, State: "saved", RecordedAt: testEpoch,
		Metadata: ir.IRObject{"worktree": ir.IRString("/tmp/a"), "label": ir.IRString("before refactor")},
	})
	appendRecord(t, s, ir.WorkflowRecord{
		ObjectID: "cp-2", ObjectType: ir.ObjectCheckpoint, State: "saved", RecordedAt: testEpoch,
		Metadata: ir.IRObject{"worktree": ir.IRString("/tmp/b")},
	})

	recs, err := s.ListWorkflowRecords(ctx, WorkflowFilter{ObjectType: ir.ObjectCheckpoint, Worktree: "/tmp/a"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cp-1", recs[0].ObjectID)
	assert.Equal(t, ir.IRString("before refactor"), recs[0].Metadata["label"])

	got, err := s.GetWorkflowRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ObjectID)
}

func TestWorkflowRecords_AppendOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := appendRecord(t, s, ir.WorkflowRecord{ObjectID: "w", ObjectType: ir.ObjectWorktree, State: "init", RecordedAt: testEpoch})

	_, err := s.db.ExecContext(ctx, `UPDATE workflow_records SET object_state = 'ship' WHERE record_id = ?`, id)
	assert.True(t, IsAppendOnlyViolation(err), "got %v", err)
}

func TestSessionValues(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustTx(t, s, func(tx *Tx) error {
		return tx.SetSessionValue(ctx, "session_id", "abc", testEpoch)
	})
	mustTx(t, s, func(tx *Tx) error {
		return tx.SetSessionValue(ctx, "session_id", "def", testEpoch)
	})

	v, err := s.SessionValue(ctx, "session_id")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	all, err := s.SessionValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, "def", all["session_id"])
	assert.Contains(t, all, MetaSchemaVersion)

	_, err = s.SessionValue(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
