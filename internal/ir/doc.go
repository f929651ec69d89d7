// Package ir holds the types shared by every layer of agentsync: rules,
// executions, audit events, workflow records, the constrained value model
// used for trigger snapshots, and the canonical encoding those snapshots are
// hashed with.
//
// ir imports nothing internal, so store, engine and registry can all depend
// on it without cycles.
//
// Key constraints:
//   - Categories and patterns are closed sets; validate with ValidateCategory
//     and ValidatePattern
//   - Idempotency keys are computed only from MarshalCanonical output
//   - All JSON tags use snake_case matching the column names
package ir
