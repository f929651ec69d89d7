package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/testutil"
)

const (
	testTriggerAgent  = "qa"
	testTriggerAction = "gate_passed"
)

var testActor = ir.Actor{ID: "qa-bot", Role: "agent", SessionID: "sess-1"}

// insertReactiveRule writes a pending reactive rule on qa/gate_passed that
// targets release/notify. mods adjust the rule before it is written.
func insertReactiveRule(t *testing.T, s *store.Store, id string, priority int, createdAt time.Time, mods ...func(*ir.Rule)) ir.Rule {
	t.Helper()
	r := ir.Rule{
		ID:           id,
		AgentID:      testTriggerAgent,
		WorktreePath: "/tmp/t",
		Category:     ir.CategoryQualityGate,
		Pattern:      ir.PatternQualityGatePassed,
		Status:       ir.StatusPending,
		CreatedAt:    createdAt,
		Trigger:      &ir.Trigger{AgentID: testTriggerAgent, Action: testTriggerAction},
		Target:       &ir.Target{AgentID: "release", Action: "notify"},
		Priority:     priority,
		Enabled:      true,
	}
	for _, mod := range mods {
		mod(&r)
	}
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertRule(context.Background(), r)
	})
	require.NoError(t, err)
	return r
}

func disabled(r *ir.Rule) { r.Enabled = false }

func triggeredBy(agent, action string) func(*ir.Rule) {
	return func(r *ir.Rule) {
		r.Trigger.AgentID = agent
		r.Trigger.Action = action
	}
}

func targeting(agent, action string) func(*ir.Rule) {
	return func(r *ir.Rule) {
		r.Target = &ir.Target{AgentID: agent, Action: action}
	}
}

func withPattern(p ir.IRObject) func(*ir.Rule) {
	return func(r *ir.Rule) {
		r.Trigger.Pattern = p
	}
}

func deterministicOptions() []Option {
	return []Option{
		WithIDGenerator(testutil.NewSequenceGenerator("id")),
		WithClock(testutil.NewDeterministicClock()),
	}
}

func gateEvent(snapshot ir.IRObject) Event {
	return Event{
		AgentID:  testTriggerAgent,
		Action:   testTriggerAction,
		Snapshot: snapshot,
		Context:  DispatchContext{Actor: testActor},
	}
}

func auditTypes(t *testing.T, s *store.Store, f store.AuditFilter) []ir.AuditEventType {
	t.Helper()
	events, err := s.ListAudit(context.Background(), f)
	require.NoError(t, err)
	types := make([]ir.AuditEventType, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}
