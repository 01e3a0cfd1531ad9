// Package domain defines core types, interfaces, and errors for the query gateway.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid caller input (not a policy decision).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Stable reason codes surfaced to callers and metrics.
const (
	ReasonGenerationFailed   = "generation_failed"
	ReasonNeedsClarification = "needs_clarification"
	ReasonUnparsable         = "unparsable"
	ReasonPolicyViolation    = "policy_violation"
	ReasonExecutionTimeout   = "execution_timeout"
	ReasonExecutionFailed    = "execution_failed"
	ReasonConfigError        = "config_error"
	ReasonInvalidRequest     = "invalid_request"
	ReasonInternal           = "internal"
)

// GenerationError means the upstream generator failed or returned nothing usable.
type GenerationError struct {
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return "generation failed: " + e.Message + ": " + e.Err.Error()
	}
	return "generation failed: " + e.Message
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ErrGeneration creates a GenerationError wrapping err.
func ErrGeneration(err error, format string, args ...interface{}) *GenerationError {
	return &GenerationError{Message: fmt.Sprintf(format, args...), Err: err}
}

// ClarificationError is returned by generators that need more input before
// they can produce SQL.
type ClarificationError struct {
	Questions []string
}

func (e *ClarificationError) Error() string {
	return "clarification needed: " + strings.Join(e.Questions, "; ")
}

// AnalysisErrorKind classifies structural analysis failures.
type AnalysisErrorKind string

// AnalysisMalformed is the only analysis failure kind: the text could not be
// tokenized or its structure is unbalanced.
const AnalysisMalformed AnalysisErrorKind = "malformed"

// AnalysisError is returned when SQL text is malformed.
type AnalysisError struct {
	Kind    AnalysisErrorKind
	Message string
	Offset  int
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s sql at offset %d: %s", e.Kind, e.Offset, e.Message)
}

// ErrMalformed creates an AnalysisError for malformed SQL.
func ErrMalformed(offset int, format string, args ...interface{}) *AnalysisError {
	return &AnalysisError{Kind: AnalysisMalformed, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

// PolicyViolationError carries the blocking violations of a rejected statement.
type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	ids := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		ids = append(ids, v.RuleID)
	}
	return "policy violation: " + strings.Join(ids, ", ")
}

// ExecutionTimeoutError means the database call hit the request deadline.
// It is never retried.
type ExecutionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("query exceeded timeout of %s", e.Timeout)
}

// ExecutionFailureError is a database failure after retries were exhausted
// or for a non-retryable error.
type ExecutionFailureError struct {
	Attempts int
	Err      error
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("query failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExecutionFailureError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Source  string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config %s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("config %s: %s: %s", e.Source, e.Field, e.Message)
}

// ErrConfig creates a ConfigError with a formatted message.
func ErrConfig(source, field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Source: source, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReasonCode maps an error from the taxonomy to its stable reason code.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*ClarificationError)):
		return ReasonNeedsClarification
	case errors.As(err, new(*GenerationError)):
		return ReasonGenerationFailed
	case errors.As(err, new(*AnalysisError)):
		return ReasonUnparsable
	case errors.As(err, new(*PolicyViolationError)):
		return ReasonPolicyViolation
	case errors.As(err, new(*ExecutionTimeoutError)):
		return ReasonExecutionTimeout
	case errors.As(err, new(*ExecutionFailureError)):
		return ReasonExecutionFailed
	case errors.As(err, new(*ConfigError)):
		return ReasonConfigError
	case errors.As(err, new(*ValidationError)):
		return ReasonInvalidRequest
	default:
		return ReasonInternal
	}
}

// DatabaseErrorKind classifies errors returned by a Database.
type DatabaseErrorKind string

// Database error kinds.
const (
	DBErrorTimeout      DatabaseErrorKind = "timeout"
	DBErrorConnectivity DatabaseErrorKind = "connectivity"
	DBErrorSyntax       DatabaseErrorKind = "syntax"
	DBErrorOther        DatabaseErrorKind = "other"
)

// DatabaseError is the typed error a Database implementation returns.
type DatabaseError struct {
	Kind DatabaseErrorKind
	Err  error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s error: %v", e.Kind, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Retryable reports whether the error is a transient connectivity failure.
func (e *DatabaseError) Retryable() bool { return e.Kind == DBErrorConnectivity }
