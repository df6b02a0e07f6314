package validation

import (
	"errors"

	"github.com/rendis/nodeflow/pkg/schema"
)

// GraphValidator runs the three-stage validation pipeline:
// 1. Document (JSON Schema)
// 2. Semantic (ids, edge refs, start node, loop pairs, node config)
// 3. DAG (cycles outside loops, reachability)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	nodeTypes  NodeTypeLookup
}

// NewGraphValidator creates a GraphValidator.
// lookup may be nil to skip processor existence checks.
func NewGraphValidator(lookup NodeTypeLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, nodeTypes: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Document errors short-circuit the later stages.
func (gv *GraphValidator) Validate(g *schema.WorkflowGraph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow graph is nil")
		return r
	}

	result := validateDocument(gv.jsonSchema, g)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g, gv.nodeTypes))

	// Cycle analysis needs valid references.
	if result.Valid() {
		result.Merge(validateDAG(g))
	}
	return result
}

// ValidateGraph satisfies the Validator interface. A cycle is reported as a
// CIRCULAR_DEPENDENCY error carrying the cycle path; everything else as a
// VALIDATION_ERROR.
func (gv *GraphValidator) ValidateGraph(g *schema.WorkflowGraph) error {
	result := gv.Validate(g)
	for _, issue := range result.Errors {
		if issue.Code == schema.ErrCodeCircularDependency {
			cycle := FindCycle(g)
			return schema.NewCircularDependencyError(cycle[0], cycle)
		}
	}
	return result.ToError()
}

// ValidateValue delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateValue(value any, jsonSchema any) error {
	return gv.jsonSchema.ValidateValue(value, jsonSchema)
}

func validateDocument(v *JSONSchemaValidator, g *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(g)
	if err == nil {
		return result
	}

	var nfErr *schema.NodeflowError
	if !errors.As(err, &nfErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, msg := range Violations(nfErr) {
		result.AddError("/", schema.ErrCodeValidation, msg)
	}
	return result
}

var _ Validator = (*GraphValidator)(nil)
