package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow graph. Path points into
// the graph document ("nodes[2].config.condition"); NodeID names the node the
// issue is about, when there is one.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"nodeId,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of every validation stage. Only
// errors block a run; warnings are logged and reported.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no blocking issue was found.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add files issue under its severity.
func (r *ValidationResult) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	issue.Severity = SeverityError
	r.Errors = append(r.Errors, issue)
}

// AddError records a graph-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning records a graph-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// AddNodeError records an error about nodeID.
func (r *ValidationResult) AddNodeError(nodeID, path, code, message string) {
	r.Add(ValidationIssue{Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError})
}

// AddNodeWarning records a warning about nodeID.
func (r *ValidationResult) AddNodeWarning(nodeID, path, code, message string) {
	r.Add(ValidationIssue{Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FailedNodes returns the sorted ids of nodes with at least one error.
func (r *ValidationResult) FailedNodes() []string {
	var ids []string
	for _, issue := range r.Errors {
		if issue.NodeID != "" && !slices.Contains(ids, issue.NodeID) {
			ids = append(ids, issue.NodeID)
		}
	}
	slices.Sort(ids)
	return ids
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR. When
// every error concerns the same node the error is attached to that node.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("graph validation failed with %d errors: %s", len(r.Errors), msg)
	}
	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	err := NewError(ErrCodeValidation, msg)
	nodes := r.FailedNodes()
	if len(nodes) > 0 {
		details["nodes"] = nodes
	}
	if len(nodes) == 1 && len(r.NodeIssues(nodes[0])) == len(r.Errors) {
		err = err.WithNode(nodes[0])
	}
	return err.WithDetails(details)
}

// NodeIssues returns the errors recorded against nodeID.
func (r *ValidationResult) NodeIssues(nodeID string) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Errors {
		if issue.NodeID == nodeID {
			out = append(out, issue)
		}
	}
	return out
}
