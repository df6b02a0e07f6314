package expressions

import (
	"fmt"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Reason classifies why an expression could not be resolved.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonInvalidPath Reason = "invalid_path"
	ReasonMissingNode Reason = "missing_node"
)

// ExpressionResolutionError is raised in throw mode. It carries the offending
// expression plus what was available at the point resolution stopped.
type ExpressionResolutionError struct {
	Expression     string   `json:"expression"`
	Reason         Reason   `json:"reason"`
	Message        string   `json:"message"`
	AvailableNodes []string `json:"availableNodes,omitempty"`
	AvailablePaths []string `json:"availablePaths,omitempty"`
}

func (e *ExpressionResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot resolve {{%s}} (%s): %s", e.Expression, e.Reason, e.Message)
	if len(e.AvailableNodes) > 0 {
		fmt.Fprintf(&b, "; available nodes: [%s]", strings.Join(e.AvailableNodes, ", "))
	}
	if len(e.AvailablePaths) > 0 {
		fmt.Fprintf(&b, "; available: [%s]", strings.Join(e.AvailablePaths, ", "))
	}
	return b.String()
}

// AsNodeflowError converts the error into the structured form used on traces.
func (e *ExpressionResolutionError) AsNodeflowError() *schema.NodeflowError {
	details := map[string]any{
		"expression": e.Expression,
		"reason":     string(e.Reason),
	}
	if len(e.AvailableNodes) > 0 {
		details["available_nodes"] = e.AvailableNodes
	}
	if len(e.AvailablePaths) > 0 {
		details["available_paths"] = e.AvailablePaths
	}
	return schema.NewError(schema.ErrCodeExpression, e.Error()).WithCause(e).WithDetails(details)
}

func newResolutionError(expression string, reason Reason, format string, args ...any) *ExpressionResolutionError {
	return &ExpressionResolutionError{
		Expression: expression,
		Reason:     reason,
		Message:    fmt.Sprintf(format, args...),
	}
}
