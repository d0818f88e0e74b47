package explorer

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeToolExecution    = "TOOL_EXECUTION_ERROR"
	ErrCodeArgResolution    = "ARGUMENT_RESOLUTION_ERROR"
	ErrCodePlanGeneration   = "PLAN_GENERATION_ERROR"
	ErrCodeInvalidPlanState = "INVALID_PLAN_STATE"
	ErrCodeAggregation      = "AGGREGATION_ERROR"
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeCancelled        = "EXECUTION_CANCELLED"
	ErrCodeTimeout          = "EXECUTION_TIMEOUT"
	ErrCodeCache            = "CACHE_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ExplorerError is the error type used across the execution core.
type ExplorerError struct {
	Code      string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message   string // A human-readable message
	Stage     string // The stage where the error occurred (e.g., "planning", "execution")
	Cause     error  // The underlying error, if any
	Transient bool   // Whether a retry may succeed
}

// Error implements the error interface.
func (e *ExplorerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *ExplorerError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ExplorerError.
func NewError(code, stage, message string, cause error) *ExplorerError {
	return &ExplorerError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *ExplorerError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewToolNotFoundError(stage, toolName string) *ExplorerError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

// NewToolExecutionError wraps a failed invocation. transient marks it as retryable.
func NewToolExecutionError(stage, toolName string, cause error, transient bool) *ExplorerError {
	e := NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
	e.Transient = transient
	return e
}

func NewArgResolutionError(stage, toolName, argName string, cause error) *ExplorerError {
	msg := fmt.Sprintf("failed to resolve argument '%s' for tool '%s'", argName, toolName)
	return NewError(ErrCodeArgResolution, stage, msg, cause)
}

func NewPlanGenerationError(cause error) *ExplorerError {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate execution plan", cause)
}

// NewInvalidPlanStateError is escalated when the scheduler cannot build a valid next state.
func NewInvalidPlanStateError(message string, cause error) *ExplorerError {
	return NewError(ErrCodeInvalidPlanState, "scheduling", message, cause)
}

func NewAggregationError(cause error) *ExplorerError {
	return NewError(ErrCodeAggregation, "aggregation", "failed to aggregate step results", cause)
}

func NewConfigurationError(message string, cause error) *ExplorerError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *ExplorerError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *ExplorerError {
	e := NewError(ErrCodeTimeout, stage, "execution timed out", cause)
	e.Transient = true
	return e
}

func NewCacheError(stage, operation string, cause error) *ExplorerError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *ExplorerError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsExplorerError reports whether err is or wraps an *ExplorerError.
func IsExplorerError(err error) bool {
	var e *ExplorerError
	return errors.As(err, &e)
}

// CodeOf returns the code of the outermost ExplorerError in err's chain, or "".
func CodeOf(err error) string {
	var e *ExplorerError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// classifiedError lets tool authors state whether their error is worth retrying.
type classifiedError struct {
	err       error
	transient bool
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// MarkPermanent marks err as non-recoverable: the step will not be retried for it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: false}
}

// MarkTransient marks err as recoverable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: true}
}

// IsTransient reports whether a failed tool invocation may succeed on retry.
// Explicit marks win, then ExplorerError codes, then timeouts. Anything else a
// resolved tool returns is treated as transient; validation and not-found
// failures never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var c *classifiedError
	if errors.As(err, &c) {
		return c.transient
	}
	var e *ExplorerError
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCodeToolNotFound, ErrCodeValidation, ErrCodeArgResolution,
			ErrCodeConfiguration, ErrCodeInvalidPlanState, ErrCodeCancelled:
			return false
		case ErrCodeTimeout:
			return true
		case ErrCodeToolExecution:
			return e.Transient
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
