package validation

import (
	"fmt"

	"github.com/rendis/nodeflow/pkg/schema"
)

// validateSemantic checks what the document schema cannot express: unique
// node ids, edge references, a single start node, loop pairing and
// per-type required config.
func validateSemantic(g *schema.WorkflowGraph, lookup NodeTypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if ids[n.ID] {
			result.AddNodeError(n.ID, path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = true

		if lookup != nil && !lookup.Has(string(n.Type)) {
			result.AddNodeError(n.ID, path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("no processor registered for node type %q", n.Type))
		}
		validateNodeConfig(n, path, result)
	}

	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !ids[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !ids[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
	}

	switch starts := g.NodesOfType(schema.NodeTypeStart); len(starts) {
	case 0:
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
	case 1:
	default:
		result.AddError("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d start nodes, expected exactly one", len(starts)))
	}

	validateLoopPairs(g, result)
	return result
}

func validateNodeConfig(n schema.Node, path string, result *schema.ValidationResult) {
	switch n.Type {
	case schema.NodeTypeIfElse:
		if n.ConfigString("condition") == "" {
			result.AddNodeError(n.ID, path+".config.condition", schema.ErrCodeValidation,
				fmt.Sprintf("ifelse node %q requires a condition", n.ID))
		}
	case schema.NodeTypeTransform:
		if n.ConfigString("expression") == "" {
			result.AddNodeError(n.ID, path+".config.expression", schema.ErrCodeValidation,
				fmt.Sprintf("transform node %q requires an expression", n.ID))
		}
	case schema.NodeTypeHTTP:
		if n.ConfigString("url") == "" {
			result.AddNodeError(n.ID, path+".config.url", schema.ErrCodeValidation,
				fmt.Sprintf("http node %q requires a url", n.ID))
		}
	case schema.NodeTypeSet:
		if _, ok := n.Config["values"]; !ok {
			result.AddNodeWarning(n.ID, path+".config.values", schema.ErrCodeValidation,
				fmt.Sprintf("set node %q has no values", n.ID))
		}
	}
}

// validateLoopPairs requires every paired loop to have exactly one endloop
// with the same pairId, and every endloop to have its loop.
func validateLoopPairs(g *schema.WorkflowGraph, result *schema.ValidationResult) {
	loops := make(map[string]int)
	ends := make(map[string]int)
	for i, n := range g.Nodes {
		switch n.Type {
		case schema.NodeTypeLoop:
			if n.PairID() == "" {
				result.AddNodeError(n.ID, fmt.Sprintf("nodes[%d].config.pairId", i), schema.ErrCodeValidation,
					fmt.Sprintf("loop node %q has no pairId", n.ID))
				continue
			}
			loops[n.PairID()]++
		case schema.NodeTypeEndLoop:
			ends[n.PairID()]++
		}
	}

	for i, n := range g.Nodes {
		pair := n.PairID()
		switch n.Type {
		case schema.NodeTypeLoop:
			if pair == "" {
				continue
			}
			if loops[pair] > 1 {
				result.AddNodeError(n.ID, fmt.Sprintf("nodes[%d].config.pairId", i), schema.ErrCodeValidation,
					fmt.Sprintf("pairId %q is used by %d loop nodes", pair, loops[pair]))
			}
			if ends[pair] != 1 {
				result.AddNodeError(n.ID, fmt.Sprintf("nodes[%d].config.pairId", i), schema.ErrCodeValidation,
					fmt.Sprintf("loop node %q needs exactly one endloop with pairId %q, found %d", n.ID, pair, ends[pair]))
			}
		case schema.NodeTypeEndLoop:
			if loops[pair] == 0 {
				result.AddNodeError(n.ID, fmt.Sprintf("nodes[%d].config.pairId", i), schema.ErrCodeValidation,
					fmt.Sprintf("endloop node %q has no loop with pairId %q", n.ID, pair))
			}
		}
	}
}
