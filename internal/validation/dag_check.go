package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// validateDAG reports cycles that are not loop back-edges as errors and nodes
// unreachable from the start node as warnings.
func validateDAG(g *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if cycle := FindCycle(g); len(cycle) > 0 {
		result.AddError("edges", schema.ErrCodeCircularDependency,
			fmt.Sprintf("workflow contains a cycle: %s", strings.Join(cycle, " -> ")))
		return result
	}

	starts := g.NodesOfType(schema.NodeTypeStart)
	if len(starts) != 1 {
		return result
	}

	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if e.IsAttachment() {
			// Attachments bind both ends together regardless of direction.
			adj[e.Source] = append(adj[e.Source], e.Target)
			adj[e.Target] = append(adj[e.Target], e.Source)
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	reachable := map[string]bool{starts[0].ID: true}
	queue := []string{starts[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddNodeWarning(n.ID, fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", n.ID))
		}
	}
	return result
}

// FindCycle returns the node ids of a control-flow cycle, first node
// repeated at the end, or nil when the graph is acyclic. Attachment edges
// and back-edges into a loop or foreach node from its own body are ignored.
func FindCycle(g *schema.WorkflowGraph) []string {
	adj := controlAdjacency(g)
	back := backEdges(g, adj)

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			if back[[2]string{id, next}] {
				continue
			}
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

func controlAdjacency(g *schema.WorkflowGraph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if e.IsAttachment() {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// backEdges marks edges that close a loop body: edges whose target is a
// loop or foreach node and whose source is reachable from that node.
func backEdges(g *schema.WorkflowGraph, adj map[string][]string) map[[2]string]bool {
	back := make(map[[2]string]bool)
	for _, n := range g.Nodes {
		if n.Type != schema.NodeTypeLoop && n.Type != schema.NodeTypeForEach {
			continue
		}
		seen := map[string]bool{}
		queue := append([]string{}, adj[n.ID]...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			queue = append(queue, adj[id]...)
		}
		for _, e := range g.Edges {
			if e.Target == n.ID && !e.IsAttachment() && seen[e.Source] {
				back[[2]string{e.Source, e.Target}] = true
			}
		}
	}
	return back
}
