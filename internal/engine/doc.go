// Package engine matches agent events against stored rules and executes
// each match at most once.
//
// ARCHITECTURE:
//
// Dispatch is synchronous and per call; there is no event loop and no
// in-process queue. Agents are separate OS processes sharing one SQLite
// file, so every guarantee below comes from the store, not from locks.
//
// Dispatch Flow:
// 1. Dispatcher.Dispatch queries enabled rules for (agent, action),
// ordered by priority DESC, created_at ASC, rowid ASC
// 2. Rules whose trigger pattern is not a subset of the snapshot are skipped
// 3. The HandlerTable resolves the target to an Operation
// 4. Executor.Execute claims, runs and completes the execution
//
// Execution Flow:
// 1. idempotency_key = SHA-256 over canonical {rule_id, trigger_action, snapshot}
// 2. Claim transaction: insert-or-ignore on the key, audit claimed/duplicate,
// pending rule moves to in_progress
// 3. Operation runs outside any transaction, with file checksums around it
// 4. Completion transaction: result, duration and sensitive flag, audit
// succeeded/failed. A completion the schema rejects is written again as
// failed, so no claimed execution stays running
//
// CRITICAL PATTERNS:
//
// Insert, never check-then-act. A duplicate is detected by the claim insert
// affecting zero rows, and execution_order is computed inside that insert.
//
// Every mutation writes its audit row in the same transaction. An audit
// failure aborts the mutation.
package engine
