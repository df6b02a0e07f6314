package validation

import "github.com/rendis/nodeflow/pkg/schema"

// Validator checks workflow graphs before execution and node payloads
// against JSON Schema Draft 2020-12 documents.
type Validator interface {
	ValidateGraph(g *schema.WorkflowGraph) error
	ValidateValue(value any, jsonSchema any) error
}

// NodeTypeLookup reports whether a processor is registered for a node type.
type NodeTypeLookup interface {
	Has(nodeType string) bool
}
