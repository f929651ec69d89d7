package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/agentsync/internal/ir"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store file under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentsync.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRule builds a reactive rule with minimal required fields.
func createTestRule(id string, priority int, createdAt time.Time) ir.Rule {
	return ir.Rule{
		ID:           id,
		AgentID:      "agent-a",
		WorktreePath: "/tmp/wt",
		Category:     ir.CategoryQualityGate,
		Pattern:      ir.PatternQualityGatePassed,
		Status:       ir.StatusPending,
		CreatedAt:    createdAt,
		Metadata:     ir.IRObject{},
		Trigger:      &ir.Trigger{AgentID: "qa", Action: "gate_passed"},
		Target:       &ir.Target{AgentID: "release", Action: "notify"},
		Priority:     priority,
		Enabled:      true,
	}
}

func createTestExecution(id, ruleID, key string) ir.Execution {
	return ir.Execution{
		ID:             id,
		RuleID:         ruleID,
		OperationType:  "notify",
		StartedAt:      testEpoch,
		IdempotencyKey: key,
		TriggerState:   ir.IRObject{"run": ir.IRInt(1)},
	}
}

func createTestAudit(id, ruleID, executionID string, typ ir.AuditEventType) ir.AuditEvent {
	return ir.AuditEvent{
		ID:          id,
		RuleID:      ruleID,
		ExecutionID: executionID,
		EventType:   typ,
		Actor:       "tester",
		ActorRole:   "agent",
		OccurredAt:  testEpoch,
	}
}

// mustTx runs fn in a transaction and fails the test on error.
func mustTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

func insertRule(t *testing.T, s *Store, r ir.Rule) {
	t.Helper()
	mustTx(t, s, func(tx *Tx) error {
		return tx.InsertRule(context.Background(), r)
	})
}
