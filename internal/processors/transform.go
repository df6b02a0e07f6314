package processors

import (
	"context"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultTransformLanguage evaluates transform expressions unless config.language says otherwise.
const DefaultTransformLanguage = "jq"

// TransformProcessor replaces the payload with the result of config.expression.
type TransformProcessor struct{}

func (TransformProcessor) Type() string { return string(schema.NodeTypeTransform) }
func (TransformProcessor) Description() string {
	return "Reshape the payload with a jq (default), expr or cel expression."
}

func (TransformProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	expression := node.ConfigString("expression")
	if expression == "" {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeValidation, "transform node %q has no expression", node.ID)
	}
	if pc.Engines == nil {
		return nodedata.NodeData{}, schema.NewError(schema.ErrCodeExecution, "no expression engines configured")
	}
	language := stringParam(node.Config, "language", DefaultTransformLanguage)
	out, err := pc.Engines.Evaluate(ctx, language, expression, expressions.DataFor(pc.Expressions, in))
	if err != nil {
		return nodedata.NodeData{}, err
	}
	return emit(node, in, nodedata.FromAny(out)), nil
}

// SetProcessor emits the resolved config.values object, merged over the
// input object when config.keepInput is set.
type SetProcessor struct{}

func (SetProcessor) Type() string        { return string(schema.NodeTypeSet) }
func (SetProcessor) Description() string { return "Set fields from literal or templated values." }

func (SetProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	values := node.ConfigMap("values")
	if values == nil {
		values = map[string]any{}
	}
	resolved, err := pc.resolveValue(ctx, node, in, values)
	if err != nil {
		return nodedata.NodeData{}, err
	}

	if !node.ConfigBool("keepInput") || in.JSON.Kind() != nodedata.KindObject {
		return emit(node, in, resolved), nil
	}
	merged := in.JSON
	fields, _ := resolved.AsObject()
	for _, k := range resolved.Keys() {
		merged = merged.With(k, fields[k])
	}
	return emit(node, in, merged), nil
}
