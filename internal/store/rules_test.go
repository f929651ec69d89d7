package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
)

func TestInsertRule_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := createTestRule("r1", 150, testEpoch)
	r.Metadata = ir.IRObject{"gate": ir.IRString("lint")}
	r.Trigger.Pattern = ir.IRObject{"gate": ir.IRString("lint")}
	r.SourceLocation = "wt-a"
	insertRule(t, s, r)

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Category, got.Category)
	assert.Equal(t, r.Pattern, got.Pattern)
	assert.Equal(t, ir.StatusPending, got.Status)
	assert.Equal(t, 150, got.Priority)
	assert.True(t, got.Enabled)
	assert.True(t, got.CreatedAt.Equal(testEpoch))
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "wt-a", got.SourceLocation)
	assert.Equal(t, r.Metadata, got.Metadata)
	require.NotNil(t, got.Trigger)
	assert.Equal(t, *r.Trigger, *got.Trigger)
	require.NotNil(t, got.Target)
	assert.Equal(t, *r.Target, *got.Target)
}

func TestInsertRule_ManualRuleHasNoTrigger(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	completed := testEpoch
	r := createTestRule("m1", ir.DefaultPriority, testEpoch)
	r.Trigger, r.Target = nil, nil
	r.Status = ir.StatusCompleted
	r.CompletedAt = &completed
	insertRule(t, s, r)

	got, err := s.GetRule(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got.Trigger)
	assert.Nil(t, got.Target)
	assert.False(t, got.Reactive())
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
}

func TestInsertRule_SchemaRejectsUnknownCategory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := createTestRule("bad", 100, testEpoch)
	r.Category = "not_a_category"
	err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRule(ctx, r) })
	assert.Error(t, err)
}

func TestGetRule_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetRule(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMatchRules_PriorityOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	insertRule(t, s, createTestRule("p50", 50, testEpoch))
	insertRule(t, s, createTestRule("p200", 200, testEpoch.Add(time.Second)))
	insertRule(t, s, createTestRule("p100", 100, testEpoch.Add(2*time.Second)))

	rules, err := s.MatchRules(ctx, "qa", "gate_passed")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"p200", "p100", "p50"}, ruleIDs(rules))
}

func TestMatchRules_TiesBrokenByCreationOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	insertRule(t, s, createTestRule("newer", 100, testEpoch.Add(time.Minute)))
	insertRule(t, s, createTestRule("older", 100, testEpoch))
	insertRule(t, s, createTestRule("same-a", 100, testEpoch.Add(2*time.Minute)))
	insertRule(t, s, createTestRule("same-b", 100, testEpoch.Add(2*time.Minute)))

	rules, err := s.MatchRules(ctx, "qa", "gate_passed")
	require.NoError(t, err)
	assert.Equal(t, []string{"older", "newer", "same-a", "same-b"}, ruleIDs(rules))
}

func TestMatchRules_ExcludesDisabledAndNonMatching(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	disabled := createTestRule("disabled", 900, testEpoch)
	disabled.Enabled = false
	insertRule(t, s, disabled)

	other := createTestRule("other-action", 800, testEpoch)
	other.Trigger = &ir.Trigger{AgentID: "qa", Action: "gate_failed"}
	insertRule(t, s, other)

	manual := createTestRule("manual", 700, testEpoch)
	manual.Trigger, manual.Target = nil, nil
	insertRule(t, s, manual)

	insertRule(t, s, createTestRule("match", 1, testEpoch))

	rules, err := s.MatchRules(ctx, "qa", "gate_passed")
	require.NoError(t, err)
	assert.Equal(t, []string{"match"}, ruleIDs(rules))
}

func TestRuleUpdates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))

	done := testEpoch.Add(time.Hour)
	mustTx(t, s, func(tx *Tx) error {
		if err := tx.SetRuleEnabled(ctx, "r1", false); err != nil {
			return err
		}
		if err := tx.SetRulePriority(ctx, "r1", 7); err != nil {
			return err
		}
		return tx.SetRuleStatus(ctx, "r1", ir.StatusCompleted, &done)
	})

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, ir.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// A later status change without a timestamp keeps completed_at.
	mustTx(t, s, func(tx *Tx) error {
		return tx.SetRuleStatus(ctx, "r1", ir.StatusRolledBack, nil)
	})
	got, err = s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
}

func TestRuleUpdates_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.SetRuleEnabled(ctx, "missing", true) })
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRule_RestrictedByExecution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))

	mustTx(t, s, func(tx *Tx) error {
		_, _, err := tx.ClaimExecution(ctx, createTestExecution("e1", "r1", "key-1"))
		return err
	})

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRule(ctx, "r1") })
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err), "got %v", err)

	_, err = s.GetRule(ctx, "r1")
	assert.NoError(t, err, "rule must survive the rejected delete")
}

func TestDeleteRule_RestrictedByAudit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))
	mustTx(t, s, func(tx *Tx) error {
		return tx.InsertAudit(ctx, createTestAudit("a1", "r1", "", ir.AuditRuleCreated))
	})

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRule(ctx, "r1") })
	assert.True(t, IsForeignKeyViolation(err), "got %v", err)
}

func TestDeleteRule_Unreferenced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRule(t, s, createTestRule("r1", 100, testEpoch))

	mustTx(t, s, func(tx *Tx) error { return tx.DeleteRule(ctx, "r1") })

	_, err := s.GetRule(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRules_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := createTestRule("a", 100, testEpoch)
	b := createTestRule("b", 100, testEpoch.Add(time.Second))
	b.AgentID = "agent-b"
	b.Enabled = false
	insertRule(t, s, a)
	insertRule(t, s, b)

	all, err := s.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ruleIDs(all), "newest first")

	byAgent, err := s.ListRules(ctx, RuleFilter{AgentID: "agent-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ruleIDs(byAgent))

	enabled := true
	onlyEnabled, err := s.ListRules(ctx, RuleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ruleIDs(onlyEnabled))

	limited, err := s.ListRules(ctx, RuleFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func ruleIDs(rules []ir.Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
