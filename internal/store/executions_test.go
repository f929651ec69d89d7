package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
)

func claim(t *testing.T, s *Store, e ir.Execution) (ir.Execution, bool) {
	t.Helper()
	var (
		got      ir.Execution
		inserted bool
	)
	mustTx(t, s, func(tx *Tx) error {
		var err error
		got, inserted, err = tx.ClaimExecution(context.Background(), e)
		return err
	})
	return got, inserted
}

func TestClaimExecution_New(t *testing.T) {
	s := createTestStore(t)
	insertRule(t, s, createTestRule("r1", 100, testEpoch))

	got, inserted := claim(t, s, createTestExecution("e1", "r1", "key-1"))
	assert.True(t, inserted)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, int64(1), got.Order)
	assert.Equal(t, ir.ExecutionRunning, got.Status)
	assert.Equal(t, ir.IRObject{"run": ir.IRInt(1)}, got.TriggerState)
}

func TestClaimExecution_DuplicateKeyReturnsOriginal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))

	first, inserted := claim(t, s, createTestExecution("e1", "r1", "key-1"))
	require.True(t, inserted)

	second, inserted := claim(t, s, createTestExecution("e2", "r1", "key-1"))
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Order, second.Order)

	all, err := s.ListExecutions(ctx, ExecutionFilter{RuleID: "r1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaimExecution_OrderIsPerRule(t *testing.T) {
	s := createTestStore(t)
	insertRule(t, s, createTestRule("r1", 100, testEpoch))
	insertRule(t, s, createTestRule("r2", 100, testEpoch))

	a, _ := claim(t, s, createTestExecution("e1", "r1", "k1"))
	b, _ := claim(t, s, createTestExecution("e2", "r1", "k2"))
	c, _ := claim(t, s, createTestExecution("e3", "r2", "k3"))
	d, _ := claim(t, s, createTestExecution("e4", "r1", "k4"))

	assert.Equal(t, int64(1), a.Order)
	assert.Equal(t, int64(2), b.Order)
	assert.Equal(t, int64(1), c.Order)
	assert.Equal(t, int64(3), d.Order)
}

func TestClaimExecution_UnknownRule(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, _, err := tx.ClaimExecution(ctx, createTestExecution("e1", "missing", "k1"))
		return err
	})
	assert.True(t, IsForeignKeyViolation(err), "got %v", err)
}

func TestCompleteExecution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))
	e, _ := claim(t, s, createTestExecution("e1", "r1", "k1"))

	done := testEpoch.Add(1500 * time.Millisecond)
	e.CompletedAt = &done
	e.DurationMS = 1500
	e.Result = "notified"
	e.ChecksumBefore = "aaa"
	e.ChecksumAfter = "bbb"
	e.SensitiveDataAccessed = true
	e.Justification = "release notes include reviewer emails"
	e.Status = ir.ExecutionSucceeded
	mustTx(t, s, func(tx *Tx) error { return tx.CompleteExecution(ctx, e) })

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionSucceeded, got.Status)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.Equal(t, "notified", got.Result)
	assert.Equal(t, "aaa", got.ChecksumBefore)
	assert.Equal(t, "bbb", got.ChecksumAfter)
	assert.True(t, got.SensitiveDataAccessed)
	require.NotNil(t, got.CompletedAt)

	// Completing twice is rejected; the first outcome stands.
	err = s.WithTx(ctx, func(tx *Tx) error { return tx.CompleteExecution(ctx, e) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteExecution_SensitiveSuccessNeedsJustification(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))
	e, _ := claim(t, s, createTestExecution("e1", "r1", "k1"))

	e.SensitiveDataAccessed = true
	e.Status = ir.ExecutionSucceeded
	err := s.WithTx(ctx, func(tx *Tx) error { return tx.CompleteExecution(ctx, e) })
	assert.Error(t, err)

	// Recording it as failed is allowed.
	e.Status = ir.ExecutionFailed
	e.ErrorMessage = "sensitive data accessed without justification"
	mustTx(t, s, func(tx *Tx) error { return tx.CompleteExecution(ctx, e) })
}

func TestUniqueIdempotencyKeyAcrossRules(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))
	insertRule(t, s, createTestRule("r2", 100, testEpoch))
	claim(t, s, createTestExecution("e1", "r1", "same"))

	// A plain insert bypassing ON CONFLICT hits the UNIQUE constraint.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_executions (execution_id, rule_id, execution_order, operation_type, started_at, idempotency_key)
		VALUES ('e2', 'r2', 1, 'x', '2026-03-01T12:00:00.000000000Z', 'same')
	`)
	assert.True(t, isUniqueViolation(err), "got %v", err)
}
