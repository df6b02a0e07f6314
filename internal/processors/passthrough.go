package processors

import (
	"context"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// PassthroughProcessor forwards its input unchanged. It serves the
// structural node types whose behavior lives in the engine (start, loop
// markers, noop). With resolveOutput set, a config.output value is resolved
// and emitted instead, which is how end and tool nodes shape their result.
type PassthroughProcessor struct {
	nodeType      schema.NodeType
	description   string
	resolveOutput bool
}

// NewPassthroughProcessor creates a processor for nodeType.
func NewPassthroughProcessor(nodeType schema.NodeType, description string, resolveOutput bool) *PassthroughProcessor {
	return &PassthroughProcessor{nodeType: nodeType, description: description, resolveOutput: resolveOutput}
}

func (p *PassthroughProcessor) Type() string        { return string(p.nodeType) }
func (p *PassthroughProcessor) Description() string { return p.description }

func (p *PassthroughProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	if p.resolveOutput {
		if raw, ok := node.Config["output"]; ok {
			v, err := pc.resolveValue(ctx, node, in, raw)
			if err != nil {
				return nodedata.NodeData{}, err
			}
			return emit(node, in, v), nil
		}
	}
	return emit(node, in, in.JSON), nil
}
