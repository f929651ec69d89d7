package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agentsync/internal/ir"
)

// DefaultWorktree is the worktree path rules are registered under when a
// scenario does not name one.
const DefaultWorktree = "/scenario/worktree"

// Scenario defines a dispatch scenario.
// Rules are registered, setup mutations are applied, then each flow step
// dispatches one event. Assertions run against the trace and the store.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Worktree is the worktree path used for rules that leave it empty.
	Worktree string `yaml:"worktree,omitempty"`

	// RuleFiles lists CUE rule files or directories, relative to the
	// scenario file.
	RuleFiles []string `yaml:"rule_files,omitempty"`

	// Rules are registered after RuleFiles, in order.
	Rules []RuleDef `yaml:"rules,omitempty"`

	// FailingTargets lists "agent/action" targets whose operation fails.
	FailingTargets []string `yaml:"failing_targets,omitempty"`

	// Setup mutates registered rules before the flow runs.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow contains the dispatches, each optionally checked against Expect.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// RuleDef is a rule written inline in a scenario.
type RuleDef struct {
	ID       string         `yaml:"id"`
	Category string         `yaml:"category"`
	Pattern  string         `yaml:"pattern"`
	When     TriggerDef     `yaml:"when"`
	Then     TargetDef      `yaml:"then"`
	Priority *int           `yaml:"priority,omitempty"`
	Enabled  *bool          `yaml:"enabled,omitempty"`
	Worktree string         `yaml:"worktree,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// TriggerDef is the "when" half of an inline rule.
type TriggerDef struct {
	Agent  string         `yaml:"agent"`
	Action string         `yaml:"action"`
	Match  map[string]any `yaml:"match,omitempty"`
}

// TargetDef is the "then" half of an inline rule.
type TargetDef struct {
	Agent  string `yaml:"agent"`
	Action string `yaml:"action"`
}

// Setup step actions.
const (
	SetupEnable   = "enable"
	SetupDisable  = "disable"
	SetupPriority = "priority"
)

// SetupStep is one rule mutation applied before the flow.
type SetupStep struct {
	Action string `yaml:"action"` // enable, disable or priority
	Rule   string `yaml:"rule"`
	Value  *int   `yaml:"value,omitempty"` // new priority
}

// FlowStep dispatches one event.
type FlowStep struct {
	// Dispatch is the trigger as "agent/action".
	Dispatch string `yaml:"dispatch"`

	// Snapshot is the event's state snapshot.
	Snapshot map[string]any `yaml:"snapshot,omitempty"`

	Sensitive     bool   `yaml:"sensitive,omitempty"`
	Justification string `yaml:"justification,omitempty"`

	// Expect, when present, is compared with the dispatch result.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected dispatch result.
type ExpectClause struct {
	// Matched is the expected number of matching rules.
	Matched *int `yaml:"matched,omitempty"`

	// Outcomes lists the expected outcomes in dispatch order. When present
	// it must account for every outcome.
	Outcomes []ExpectOutcome `yaml:"outcomes,omitempty"`
}

// ExpectOutcome is one expected rule outcome. Empty fields are not checked.
type ExpectOutcome struct {
	Rule      string `yaml:"rule"`
	Status    string `yaml:"status,omitempty"`
	Duplicate *bool  `yaml:"duplicate,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an execution of Rule (with Status, if set) happened
	// - "trace_order": Rules first executed in this order
	// - "trace_count": Rule executed exactly Count times (with Status, if set)
	// - "audit_count": exactly Count audit rows of Event (for Rule, if set)
	// - "final_state": query Table and verify expected values
	Type string `yaml:"type"`

	// Rule is the rule id (trace_contains, trace_count, audit_count).
	Rule string `yaml:"rule,omitempty"`

	// Status narrows trace_contains and trace_count.
	Status string `yaml:"status,omitempty"`

	// Rules is the expected execution order (trace_order).
	Rules []string `yaml:"rules,omitempty"`

	// Event is the audit event type (audit_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number of occurrences (trace_count, audit_count).
	Count int `yaml:"count,omitempty"`

	// Table is the state table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All fields must match.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertAuditCount    = "audit_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Rule file paths are
// resolved against the scenario file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving rule file paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario decodes scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range scenario.RuleFiles {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.RuleFiles[i] = filepath.Join(basePath, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// splitTarget parses "agent/action".
func splitTarget(s string) (agent, action string, err error) {
	agent, action, ok := strings.Cut(s, "/")
	if !ok || agent == "" || action == "" || strings.Contains(action, "/") {
		return "", "", fmt.Errorf("%q must be agent/action", s)
	}
	return agent, action, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Rules) == 0 && len(s.RuleFiles) == 0 {
		return fmt.Errorf("rules or rule_files is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.RuleFiles {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("rule file not found: %s", p)
		}
	}

	for i, r := range s.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if _, err := ir.ValidateCategory(r.Category); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, err := ir.ValidatePattern(r.Pattern); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if r.When.Agent == "" || r.When.Action == "" {
			return fmt.Errorf("rules[%d]: when.agent and when.action are required", i)
		}
		if r.Then.Agent == "" || r.Then.Action == "" {
			return fmt.Errorf("rules[%d]: then.agent and then.action are required", i)
		}
	}

	for i, t := range s.FailingTargets {
		if _, _, err := splitTarget(t); err != nil {
			return fmt.Errorf("failing_targets[%d]: %w", i, err)
		}
	}

	for i, step := range s.Setup {
		if step.Rule == "" {
			return fmt.Errorf("setup[%d]: rule is required", i)
		}
		switch step.Action {
		case SetupEnable, SetupDisable:
		case SetupPriority:
			if step.Value == nil {
				return fmt.Errorf("setup[%d]: value is required for priority", i)
			}
		default:
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, step := range s.Flow {
		if step.Dispatch == "" {
			return fmt.Errorf("flow[%d]: dispatch is required", i)
		}
		if _, _, err := splitTarget(step.Dispatch); err != nil {
			return fmt.Errorf("flow[%d]: dispatch %w", i, err)
		}
		if step.Expect != nil {
			for j, o := range step.Expect.Outcomes {
				if o.Rule == "" {
					return fmt.Errorf("flow[%d].expect.outcomes[%d]: rule is required", i, j)
				}
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Rules) == 0 {
			return fmt.Errorf("assertions[%d]: rules list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertAuditCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
