package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
	"github.com/roach88/agentsync/internal/testutil"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddDispatchTrace(1, "qa", "gate_passed", 2)
	r.AddExecutionTrace(1, "gate-release", "succeeded", false, 1, "")
	r.AddExecutionTrace(1, "gate-docs", "failed", false, 1, "boom")
	r.AddDispatchTrace(2, "qa", "gate_passed", 2)
	r.AddExecutionTrace(2, "gate-release", "succeeded", true, 1, "")
	r.AddExecutionTrace(2, "gate-docs", "failed", true, 1, "")
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Rule: "gate-docs"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Rule: "gate-docs", Status: "failed"}))

	err := assertTraceContains(trace, Assertion{Rule: "gate-docs", Status: "succeeded"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "execution of gate-docs with status succeeded")
	assert.Contains(t, err.Error(), "dispatch qa/gate_passed matched=2")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Rules: []string{"gate-release", "gate-docs"}}))

	err := assertTraceOrder(trace, Assertion{Rules: []string{"gate-docs", "gate-release"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate-docs (pos 3) should be before gate-release (pos 2)")

	err = assertTraceOrder(trace, Assertion{Rules: []string{"gate-release", "ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing rule: ghost")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name    string
		a       Assertion
		wantErr bool
	}{
		{"duplicates count", Assertion{Rule: "gate-release", Count: 2}, false},
		{"status filter", Assertion{Rule: "gate-docs", Status: "failed", Count: 2}, false},
		{"zero for unknown", Assertion{Rule: "ghost", Count: 0}, false},
		{"wrong count", Assertion{Rule: "gate-release", Count: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(trace, tt.a)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"string", "pending", "pending", true},
		{"string bytes", "pending", []byte("pending"), true},
		{"string mismatch", "pending", "failed", false},
		{"int vs int64", 200, int64(200), true},
		{"int mismatch", 200, int64(100), false},
		{"bool true", true, int64(1), true},
		{"bool false", false, int64(0), true},
		{"bool mismatch", true, int64(0), false},
		{"nil both", nil, nil, true},
		{"nil actual", "x", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"rule_id": "a", "enabled": true, "execution_order": 2})
	require.NoError(t, err)
	assert.Equal(t, "enabled = ? AND execution_order = ? AND rule_id = ?", sql)
	assert.Equal(t, []any{int64(1), 2, "a"}, args)

	_, _, err = buildWhereClause(map[string]any{"rule_id; DROP TABLE x": "a"})
	assert.Error(t, err)
}

func TestAssertFinalStateAndAuditCount(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	reg := registry.New(st,
		registry.WithIDGenerator(testutil.NewSequenceGenerator("t")),
		registry.WithClock(testutil.NewDeterministicClock()),
	)
	_, err := reg.RegisterRule(ctx, registry.RuleRequest{
		ID:           "gate-release",
		Category:     "quality_gate",
		Pattern:      "quality_gate_passed",
		WorktreePath: "/repo",
		Trigger:      ir.Trigger{AgentID: "qa", Action: "gate_passed"},
		Target:       ir.Target{AgentID: "release", Action: "start"},
		Actor:        Actor,
	})
	require.NoError(t, err)
	actx := &AssertionContext{Store: st, Ctx: ctx}

	t.Run("final state passes", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{{
			Type:   AssertFinalState,
			Table:  "agent_synchronizations",
			Where:  map[string]any{"rule_id": "gate-release"},
			Expect: map[string]any{"status": "pending", "enabled": true, "priority": 100},
		}}, actx)
		assert.Empty(t, errs)
	})

	t.Run("final state mismatch", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{{
			Type:   AssertFinalState,
			Table:  "agent_synchronizations",
			Where:  map[string]any{"rule_id": "gate-release"},
			Expect: map[string]any{"status": "completed"},
		}}, actx)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], `field "status" = completed`)
	})

	t.Run("row not found", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{{
			Type:   AssertFinalState,
			Table:  "agent_synchronizations",
			Where:  map[string]any{"rule_id": "ghost"},
			Expect: map[string]any{"status": "pending"},
		}}, actx)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "row not found")
	})

	t.Run("invalid table", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{{
			Type:   AssertFinalState,
			Table:  "x; DROP TABLE y",
			Expect: map[string]any{"a": 1},
		}}, actx)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "invalid table name")
	})

	t.Run("audit count", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{
			{Type: AssertAuditCount, Event: "rule_created", Rule: "gate-release", Count: 1},
			{Type: AssertAuditCount, Event: "execution_claimed", Count: 1},
		}, actx)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "1 execution_claimed audit rows")
	})

	t.Run("store required", func(t *testing.T) {
		errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertAuditCount, Event: "rule_created"}}, nil)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "requires database context")
	})
}
