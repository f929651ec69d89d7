package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
)

// Validation error codes (E100-E199)
const (
	ErrMissingID        = "E101" // rule id is required
	ErrDuplicateID      = "E105" // two rules share an id
	ErrInvalidCategory  = "E110" // category outside the closed set
	ErrInvalidPattern   = "E111" // pattern outside the closed set
	ErrMissingTrigger   = "E112" // when.agent / when.action required
	ErrMissingTarget    = "E113" // then.agent / then.action required
	ErrSelfTarget       = "E114" // then equals when
	ErrMissingWorktree  = "E115" // no worktree and no default supplied
	ErrInvalidRuleValue = "E116" // other field-level problems
)

// ValidationError represents a rule file validation error.
type ValidationError struct {
	RuleID  string `json:"rule_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("[%s] rule %s: %s: %s", e.Code, e.RuleID, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateRules checks compiled requests before any of them is registered.
// Returns all errors found (does not fail-fast). requireWorktree rejects
// rules that name no worktree, for callers with no default to fill in.
func ValidateRules(rules []registry.RuleRequest, requireWorktree bool) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	for i, r := range rules {
		ruleID := r.ID
		if strings.TrimSpace(ruleID) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rules[%d].id", i),
				Message: "rule id is required",
				Code:    ErrMissingID,
			})
		} else if seen[ruleID] {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "id",
				Message: fmt.Sprintf("duplicate rule id %q", ruleID),
				Code:    ErrDuplicateID,
			})
		}
		seen[ruleID] = true

		if _, err := ir.ValidateCategory(r.Category); err != nil {
			errs = append(errs, ValidationError{RuleID: ruleID, Field: "category", Message: err.Error(), Code: ErrInvalidCategory})
		}
		if _, err := ir.ValidatePattern(r.Pattern); err != nil {
			errs = append(errs, ValidationError{RuleID: ruleID, Field: "pattern", Message: err.Error(), Code: ErrInvalidPattern})
		}

		if r.Trigger.AgentID == "" || r.Trigger.Action == "" {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "when",
				Message: "when.agent and when.action are required",
				Code:    ErrMissingTrigger,
			})
		}
		if r.Target.AgentID == "" || r.Target.Action == "" {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "then",
				Message: "then.agent and then.action are required",
				Code:    ErrMissingTarget,
			})
		}
		if r.Trigger.AgentID != "" && r.Trigger.AgentID == r.Target.AgentID && r.Trigger.Action == r.Target.Action {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "then",
				Message: fmt.Sprintf("rule targets its own trigger %s", actionKey(r.Trigger.AgentID, r.Trigger.Action)),
				Code:    ErrSelfTarget,
			})
		}

		if requireWorktree && strings.TrimSpace(r.WorktreePath) == "" {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "worktree",
				Message: "worktree is required",
				Code:    ErrMissingWorktree,
			})
		}
		if r.Priority != nil && *r.Priority < 0 {
			errs = append(errs, ValidationError{
				RuleID:  ruleID,
				Field:   "priority",
				Message: fmt.Sprintf("priority must be >= 0, got %d", *r.Priority),
				Code:    ErrInvalidRuleValue,
			})
		}
	}
	return errs
}
