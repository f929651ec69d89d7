package ir

import "time"

// Category classifies a synchronization rule. Closed set.
type Category string

const (
	CategoryWorkflowTransition Category = "workflow_transition"
	CategoryQualityGate        Category = "quality_gate"
	CategoryFileUpdate         Category = "file_update"
	CategoryBranchSync         Category = "branch_sync"
	CategoryContextCheckpoint  Category = "context_checkpoint"
)

// Categories lists every valid Category in display order.
var Categories = []Category{
	CategoryWorkflowTransition,
	CategoryQualityGate,
	CategoryFileUpdate,
	CategoryBranchSync,
	CategoryContextCheckpoint,
}

// Pattern names the state change a rule describes. Closed set.
type Pattern string

const (
	PatternPhaseCompleted    Pattern = "phase_completed"
	PatternQualityGatePassed Pattern = "quality_gate_passed"
	PatternQualityGateFailed Pattern = "quality_gate_failed"
	PatternFileModified      Pattern = "file_modified"
	PatternWorktreeCreated   Pattern = "worktree_created"
	PatternWorktreeRemoved   Pattern = "worktree_removed"
	PatternReleaseStarted    Pattern = "release_started"
	PatternReleaseCompleted  Pattern = "release_completed"
	PatternCheckpointSaved   Pattern = "checkpoint_saved"
)

// Patterns lists every valid Pattern in display order.
var Patterns = []Pattern{
	PatternPhaseCompleted,
	PatternQualityGatePassed,
	PatternQualityGateFailed,
	PatternFileModified,
	PatternWorktreeCreated,
	PatternWorktreeRemoved,
	PatternReleaseStarted,
	PatternReleaseCompleted,
	PatternCheckpointSaved,
}

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	StatusPending    RuleStatus = "pending"
	StatusInProgress RuleStatus = "in_progress"
	StatusCompleted  RuleStatus = "completed"
	StatusFailed     RuleStatus = "failed"
	StatusRolledBack RuleStatus = "rolled_back"
)

// ExecutionStatus is the state of one dispatched action.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// DefaultPriority is assigned to reactive rules registered without one.
const DefaultPriority = 100

// Trigger identifies the (agent, action) event a reactive rule reacts to.
// Pattern, when non-empty, must be a subset of the event snapshot.
type Trigger struct {
	AgentID string   `json:"agent_id"`
	Action  string   `json:"action"`
	Pattern IRObject `json:"pattern,omitempty"`
}

// Target identifies who a matched rule dispatches to.
type Target struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
}

// Rule is a row of agent_synchronizations.
// A rule without a Trigger is a manually recorded synchronization.
type Rule struct {
	ID             string     `json:"rule_id"`
	AgentID        string     `json:"agent_id"`
	WorktreePath   string     `json:"worktree_path"`
	Category       Category   `json:"sync_type"`
	SourceLocation string     `json:"source_location,omitempty"`
	TargetLocation string     `json:"target_location,omitempty"`
	Pattern        Pattern    `json:"pattern_name"`
	Status         RuleStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Metadata       IRObject   `json:"metadata,omitempty"`
	Trigger        *Trigger   `json:"trigger,omitempty"`
	Target         *Target    `json:"target,omitempty"`
	Priority       int        `json:"priority"`
	Enabled        bool       `json:"enabled"`
}

// Reactive reports whether the rule is matched by dispatch.
func (r Rule) Reactive() bool {
	return r.Trigger != nil && r.Trigger.AgentID != "" && r.Trigger.Action != ""
}

// Execution is a row of sync_executions.
type Execution struct {
	ID                    string          `json:"execution_id"`
	RuleID                string          `json:"rule_id"`
	Order                 int64           `json:"execution_order"`
	OperationType         string          `json:"operation_type"`
	FilePath              string          `json:"file_path,omitempty"`
	SensitiveDataAccessed bool            `json:"sensitive_data_accessed"`
	Justification         string          `json:"sensitive_justification,omitempty"`
	Result                string          `json:"result,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	DurationMS            int64           `json:"duration_ms"`
	ChecksumBefore        string          `json:"checksum_before,omitempty"`
	ChecksumAfter         string          `json:"checksum_after,omitempty"`
	Metadata              IRObject        `json:"metadata,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key"`
	TriggerState          IRObject        `json:"trigger_state"`
	Status                ExecutionStatus `json:"execution_status"`
}

// AuditEventType names what an audit row records.
type AuditEventType string

const (
	AuditRuleCreated        AuditEventType = "rule_created"
	AuditRuleEnabled        AuditEventType = "rule_enabled"
	AuditRuleDisabled       AuditEventType = "rule_disabled"
	AuditRuleReprioritized  AuditEventType = "rule_reprioritized"
	AuditRuleStatusChanged  AuditEventType = "rule_status_changed"
	AuditRuleDeleteRejected AuditEventType = "rule_delete_rejected"
	AuditRuleDeleted        AuditEventType = "rule_deleted"
	AuditExecutionClaimed   AuditEventType = "execution_claimed"
	AuditExecutionDuplicate AuditEventType = "execution_duplicate"
	AuditExecutionSucceeded AuditEventType = "execution_succeeded"
	AuditExecutionFailed    AuditEventType = "execution_failed"
)

// AuditEvent is a row of sync_audit_trail. Rows are immutable.
type AuditEvent struct {
	ID                string         `json:"audit_id"`
	RuleID            string         `json:"rule_id,omitempty"`
	ExecutionID       string         `json:"execution_id,omitempty"`
	EventType         AuditEventType `json:"event_type"`
	Actor             string         `json:"actor"`
	ActorRole         string         `json:"actor_role"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Sensitive         bool           `json:"sensitive_data_involved"`
	ComplianceContext IRObject       `json:"compliance_context,omitempty"`
	Details           IRObject       `json:"event_details,omitempty"`
	NetworkOrigin     string         `json:"network_origin,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
}

// Object types stored in workflow_records.
const (
	ObjectWorktree   = "worktree"
	ObjectRelease    = "release"
	ObjectCheckpoint = "checkpoint"
)

// WorkflowRecord is one observed state of a tracked object.
type WorkflowRecord struct {
	ID         int64     `json:"record_id"`
	ObjectID   string    `json:"object_id"`
	ObjectType string    `json:"object_type"`
	State      string    `json:"object_state"`
	RecordedAt time.Time `json:"recorded_at"`
	Metadata   IRObject  `json:"metadata,omitempty"`
}

// StateTransition pairs an object's previous state with its current one.
type StateTransition struct {
	ObjectID      string    `json:"object_id"`
	ObjectType    string    `json:"object_type"`
	PreviousState string    `json:"previous_state,omitempty"`
	CurrentState  string    `json:"current_state"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Actor carries who performs a mutation, for audit rows.
type Actor struct {
	ID        string `json:"actor"`
	Role      string `json:"actor_role"`
	Origin    string `json:"network_origin,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
