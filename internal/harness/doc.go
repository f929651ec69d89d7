// Package harness runs dispatch scenarios against a real store.
//
// A scenario registers rules, dispatches events through the service layer
// and checks what the engine did: which rules matched, in what order they
// ran, how each execution ended and what the audit trail holds.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: gate_release
//	description: "What this scenario validates"
//	rule_files:
//	  - rules/release.cue
//	rules:
//	  - id: gate-docs
//	    category: quality_gate
//	    pattern: quality_gate_passed
//	    when: { agent: qa, action: gate_passed, match: { branch: main } }
//	    then: { agent: docs, action: build }
//	    priority: 50
//	failing_targets:
//	  - docs/build
//	setup:
//	  - action: disable
//	    rule: gate-docs
//	flow:
//	  - dispatch: qa/gate_passed
//	    snapshot: { branch: main, sha: abc123 }
//	    expect:
//	      matched: 1
//	      outcomes:
//	        - rule: gate-release
//	          status: succeeded
//	assertions:
//	  - type: trace_count
//	    rule: gate-release
//	    count: 1
//	  - type: final_state
//	    table: agent_synchronizations
//	    where: { rule_id: gate-release }
//	    expect: { status: in_progress }
//
// # Assertion Types
//
//   - trace_contains: an execution of a rule appears in the trace
//   - trace_order: rules first executed in the given order
//   - trace_count: a rule executed exactly N times, duplicates included
//   - audit_count: the audit trail holds exactly N rows of an event type
//   - final_state: queries a store table and verifies expected values
//
// # Deterministic Testing
//
// Each run uses a fresh store, sequence ids and a deterministic clock, so
// the same scenario always produces the same trace. Traces are compared
// against golden files with RunWithGolden.
package harness
