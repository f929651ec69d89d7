// Package store provides the SQLite file every worktree of a repository
// shares for synchronization rules, executions, audit events, workflow
// records and session metadata.
//
// # Tables
//
//   - agent_synchronizations: rules, manual and reactive
//   - sync_executions: one row per dispatched action, UNIQUE(idempotency_key)
//   - sync_audit_trail: append-only audit events
//   - workflow_records: append-only observed object states
//   - session_metadata: upserted key/value bookkeeping
//
// # Invariants
//
// Exactly-once: every at-most-once guarantee is an INSERT that either lands
// or hits a UNIQUE constraint (ON CONFLICT DO NOTHING + RowsAffected). No
// read-then-write check is used across processes.
//
// Append-only: sync_audit_trail and workflow_records carry BEFORE UPDATE and
// BEFORE DELETE triggers, and this package exposes only inserts for them.
//
// Restrict on delete: executions and audit rows reference their rule with
// ON DELETE RESTRICT, so removing a referenced rule fails.
//
// # Database Configuration
//
//   - WAL mode, synchronous=NORMAL
//   - busy_timeout from WithBusyTimeout (default 5s)
//   - foreign_keys=on
//   - _txlock=immediate: write transactions lock at BEGIN
//   - MaxOpenConns(1): one connection per process
//
// WithTx retries BUSY/LOCKED with exponential backoff for a bounded time.
package store
