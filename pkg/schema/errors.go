package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeNodeProcessor      = "NODE_PROCESSOR_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeOutputValidation   = "OUTPUT_VALIDATION_WARNING"
	ErrCodeAgentRuntime       = "AGENT_RUNTIME_ERROR"
	ErrCodeStore              = "STORE_ERROR"
)

// CancelledMessage is the terminal error message of a cancelled execution.
const CancelledMessage = "Execution was cancelled"

// NodeflowError is the structured error type for all nodeflow operations.
type NodeflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new NodeflowError.
func NewError(code, message string) *NodeflowError {
	return &NodeflowError{Code: code, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *NodeflowError {
	return &NodeflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NodeflowError) WithNode(nodeID string) *NodeflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}

// IsCode reports whether any NodeflowError in err's chain carries the given code.
func IsCode(err error, code string) bool {
	var ne *NodeflowError
	for err != nil {
		if !errors.As(err, &ne) {
			return false
		}
		if ne.Code == code {
			return true
		}
		err = ne.Cause
	}
	return false
}

// NewCancelledError returns the error reported when a run observes cancellation.
func NewCancelledError() *NodeflowError {
	return NewError(ErrCodeCancelled, CancelledMessage)
}

// NewCircularDependencyError reports a node being revisited outside of a loop body.
func NewCircularDependencyError(nodeID string, path []string) *NodeflowError {
	return NewErrorf(ErrCodeCircularDependency, "circular dependency detected at node %q", nodeID).
		WithNode(nodeID).
		WithDetails(map[string]any{"path": path})
}

// NewNodeProcessorError wraps a failure raised by a node processor.
func NewNodeProcessorError(nodeID string, cause error) *NodeflowError {
	msg := "node processor failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewError(ErrCodeNodeProcessor, msg).WithNode(nodeID).WithCause(cause)
}
