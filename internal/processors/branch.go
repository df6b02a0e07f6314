package processors

import (
	"context"
	"strings"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultConditionLanguage evaluates ifelse conditions unless config.language says otherwise.
const DefaultConditionLanguage = "expr"

// IfElseProcessor evaluates config.condition and emits {result, data}. The
// engine follows the "true" or "false" edge from result.
//
// A condition that is a single {{...}} reference is resolved and tested for
// truthiness instead of being handed to an engine.
type IfElseProcessor struct{}

func (IfElseProcessor) Type() string { return string(schema.NodeTypeIfElse) }
func (IfElseProcessor) Description() string {
	return "Branch on a condition written in expr (default), cel or jq."
}

func (IfElseProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	condition := strings.TrimSpace(node.ConfigString("condition"))
	if condition == "" {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeValidation, "ifelse node %q has no condition", node.ID)
	}

	var result bool
	if isSingleReference(condition) {
		v, err := pc.resolveValue(ctx, node, in, condition)
		if err != nil {
			return nodedata.NodeData{}, err
		}
		result = v.Truthy()
	} else {
		if pc.Engines == nil {
			return nodedata.NodeData{}, schema.NewError(schema.ErrCodeExecution, "no expression engines configured")
		}
		language := stringParam(node.Config, "language", DefaultConditionLanguage)
		ok, err := pc.Engines.EvaluateBool(ctx, language, condition, expressions.DataFor(pc.Expressions, in))
		if err != nil {
			return nodedata.NodeData{}, err
		}
		result = ok
	}

	return emit(node, in, nodedata.Object(map[string]nodedata.Value{
		"result": nodedata.Bool(result),
		"data":   in.JSON,
	})), nil
}

func isSingleReference(s string) bool {
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && strings.Count(s, "{{") == 1
}
