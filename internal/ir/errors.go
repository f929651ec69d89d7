package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes errors surfaced to callers of the core.
type ErrorCode string

const (
	// ErrCodeValidation indicates an input outside a closed enumeration or a
	// missing required field. Never coerced, always surfaced.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeReferential indicates a delete blocked by dependent rows.
	ErrCodeReferential ErrorCode = "REFERENTIAL"

	// ErrCodeInvalidTransition indicates a status change the lifecycle forbids.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// ValidationError names the offending field, the value and the allowed set.
type ValidationError struct {
	Field   string
	Value   string
	Allowed []string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("invalid value %q", e.Value)
	}
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("%s: %s: %s (allowed: %s)", ErrCodeValidation, e.Field, msg, strings.Join(e.Allowed, ", "))
	}
	return fmt.Sprintf("%s: %s: %s", ErrCodeValidation, e.Field, msg)
}

// ReferentialError reports that a rule cannot be removed because executions
// or audit rows still reference it.
type ReferentialError struct {
	RuleID string
	Err    error
}

// Error implements the error interface.
func (e *ReferentialError) Error() string {
	return fmt.Sprintf("%s: rule %s is referenced by executions or audit events and cannot be removed", ErrCodeReferential, e.RuleID)
}

func (e *ReferentialError) Unwrap() error { return e.Err }

// TransitionError reports a forbidden rule status change.
type TransitionError struct {
	RuleID string
	From   RuleStatus
	To     RuleStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: rule %s cannot move from %s to %s", ErrCodeInvalidTransition, e.RuleID, e.From, e.To)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsReferentialError reports whether err wraps a *ReferentialError.
func IsReferentialError(err error) bool {
	var re *ReferentialError
	return errors.As(err, &re)
}

// IsTransitionError reports whether err wraps a *TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// ValidateCategory checks c against the closed Category set.
func ValidateCategory(c string) (Category, error) {
	for _, known := range Categories {
		if string(known) == c {
			return known, nil
		}
	}
	return "", &ValidationError{Field: "category", Value: c, Allowed: toStrings(Categories)}
}

// ValidatePattern checks p against the closed Pattern set.
func ValidatePattern(p string) (Pattern, error) {
	for _, known := range Patterns {
		if string(known) == p {
			return known, nil
		}
	}
	return "", &ValidationError{Field: "pattern", Value: p, Allowed: toStrings(Patterns)}
}

// ValidateRuleStatus checks s against the lifecycle states.
func ValidateRuleStatus(s string) (RuleStatus, error) {
	all := []RuleStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRolledBack}
	for _, known := range all {
		if string(known) == s {
			return known, nil
		}
	}
	return "", &ValidationError{Field: "status", Value: s, Allowed: toStrings(all)}
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
