package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while executing a matched rule.
//
// Runtime errors include:
//   - Sensitive data accessed without any justification
//   - An operation that returned an error or panicked
//   - A checksum that could not be computed
//
// Runtime errors end the execution as failed; they are recorded on the
// execution row and in the outcome, and never stop other rules of the same
// dispatch.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RuleID identifies the rule being executed.
	RuleID string

	// ExecutionID identifies the affected execution.
	ExecutionID string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeSensitiveUnjustified indicates a sensitive result with no
	// justification from either the operation or the dispatch context.
	ErrCodeSensitiveUnjustified RuntimeErrorCode = "SENSITIVE_UNJUSTIFIED"

	// ErrCodeOperationFailed indicates the operation returned an error.
	ErrCodeOperationFailed RuntimeErrorCode = "OPERATION_FAILED"

	// ErrCodeChecksum indicates the operation's file could not be read.
	ErrCodeChecksum RuntimeErrorCode = "CHECKSUM_FAILED"

	// ErrCodeCompletionRejected indicates the store refused the outcome as
	// written, so the execution was recorded as failed instead.
	ErrCodeCompletionRejected RuntimeErrorCode = "COMPLETION_REJECTED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.ExecutionID != "" && e.RuleID != "" {
		return fmt.Sprintf("%s: %s (rule=%s, execution=%s)", e.Code, e.Message, e.RuleID, e.ExecutionID)
	}
	if e.RuleID != "" {
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.RuleID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsSensitiveError returns true if err is a missing-justification error.
// Uses errors.As to handle wrapped errors.
func IsSensitiveError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeSensitiveUnjustified
	}
	return false
}

// IsOperationError returns true if err came from the operation itself.
func IsOperationError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeOperationFailed
	}
	return false
}

// NewSensitiveError creates a RuntimeError for an unjustified sensitive result.
func NewSensitiveError(ruleID, executionID string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeSensitiveUnjustified,
		Message:     "sensitive data accessed without justification",
		RuleID:      ruleID,
		ExecutionID: executionID,
	}
}

// NewOperationError wraps an operation failure.
func NewOperationError(ruleID, executionID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeOperationFailed,
		Message:     err.Error(),
		RuleID:      ruleID,
		ExecutionID: executionID,
		Err:         err,
	}
}
