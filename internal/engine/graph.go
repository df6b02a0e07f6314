package engine

import (
	"github.com/rendis/nodeflow/pkg/schema"
)

// graphIndex is the read-only lookup structure built once per run.
type graphIndex struct {
	graph *schema.WorkflowGraph
	nodes map[string]schema.Node
	order map[string]int // declaration order
	out   map[string][]schema.Edge
	in    map[string][]schema.Edge
}

func newGraphIndex(g *schema.WorkflowGraph) *graphIndex {
	idx := &graphIndex{
		graph: g,
		nodes: make(map[string]schema.Node, len(g.Nodes)),
		order: make(map[string]int, len(g.Nodes)),
		out:   make(map[string][]schema.Edge),
		in:    make(map[string][]schema.Edge),
	}
	for i, n := range g.Nodes {
		idx.nodes[n.ID] = n
		idx.order[n.ID] = i
	}
	for _, e := range g.Edges {
		if e.IsAttachment() {
			continue
		}
		idx.out[e.Source] = append(idx.out[e.Source], e)
		idx.in[e.Target] = append(idx.in[e.Target], e)
	}
	return idx
}

func (idx *graphIndex) node(id string) (schema.Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// start returns the unique start node.
func (idx *graphIndex) start() (schema.Node, error) {
	starts := idx.graph.NodesOfType(schema.NodeTypeStart)
	if len(starts) != 1 {
		return schema.Node{}, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow must have exactly one start node, found %d", len(starts))
	}
	return starts[0], nil
}

// reach returns the nodes reachable from the given roots over control edges,
// never entering a node in stop. Roots in stop are skipped.
func (idx *graphIndex) reach(roots []string, stop map[string]bool) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || stop[id] {
			continue
		}
		seen[id] = true
		for _, e := range idx.out[id] {
			queue = append(queue, e.Target)
		}
	}
	return seen
}

// ancestors returns every node with a control path to target, target included.
func (idx *graphIndex) ancestors(target string) map[string]bool {
	seen := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range idx.in[id] {
			if !seen[e.Source] {
				seen[e.Source] = true
				queue = append(queue, e.Source)
			}
		}
	}
	return seen
}

// isBackEdge reports whether e closes a foreach iteration: it enters a
// foreach node from a node reachable from that foreach.
func (idx *graphIndex) isBackEdge(e schema.Edge) bool {
	n, ok := idx.nodes[e.Target]
	if !ok || n.Type != schema.NodeTypeForEach {
		return false
	}
	var roots []string
	for _, out := range idx.out[n.ID] {
		roots = append(roots, out.Target)
	}
	return idx.reach(roots, map[string]bool{n.ID: true})[e.Source]
}

// topoOrder sorts the members of set topologically over the edges inside
// set, breaking ties by declaration order. Foreach back edges are ignored.
// Members left on any other cycle are appended in declaration order.
func (idx *graphIndex) topoOrder(set map[string]bool) []string {
	indeg := make(map[string]int, len(set))
	for id := range set {
		indeg[id] = 0
	}
	inner := func(e schema.Edge) bool { return set[e.Target] && !idx.isBackEdge(e) }
	for id := range set {
		for _, e := range idx.out[id] {
			if inner(e) {
				indeg[e.Target]++
			}
		}
	}

	var ready []string
	for _, n := range idx.graph.Nodes {
		if set[n.ID] && indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(set))
	done := make(map[string]bool, len(set))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		done[id] = true
		for _, e := range idx.out[id] {
			if !inner(e) {
				continue
			}
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				ready = idx.insertByOrder(ready, e.Target)
			}
		}
	}
	for _, n := range idx.graph.Nodes {
		if set[n.ID] && !done[n.ID] {
			order = append(order, n.ID)
		}
	}
	return order
}

func (idx *graphIndex) insertByOrder(list []string, id string) []string {
	pos := len(list)
	for i, other := range list {
		if idx.order[id] < idx.order[other] {
			pos = i
			break
		}
	}
	list = append(list, "")
	copy(list[pos+1:], list[pos:])
	list[pos] = id
	return list
}

// loopDescriptor is the shape shared by both loop forms.
type loopDescriptor struct {
	LoopNodeID  string
	EntryNodeID string // empty for an empty body
	BodyNodeIDs []string
	ExitEdge    *schema.Edge
	EndNodeID   string // matching endloop of a paired loop

	body map[string]bool
}

func (d *loopDescriptor) inBody(id string) bool { return d.body[id] }

// descriptor builds the loop descriptor of a loop or foreach node.
func (idx *graphIndex) descriptor(n schema.Node) (*loopDescriptor, error) {
	switch n.Type {
	case schema.NodeTypeForEach:
		return idx.forEachDescriptor(n), nil
	case schema.NodeTypeLoop:
		return idx.pairDescriptor(n)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q is not a loop", n.ID)
}

// forEachDescriptor: the body starts at the "loop" edge (or the first
// non-"done" edge when a "done" edge exists) and exits through the "done"
// edge or any other non-"loop" edge.
func (idx *graphIndex) forEachDescriptor(n schema.Node) *loopDescriptor {
	edges := idx.out[n.ID]
	var entry, exit *schema.Edge
	hasDone := false
	for i := range edges {
		switch edges[i].SourceHandle {
		case schema.HandleLoop:
			if entry == nil {
				entry = &edges[i]
			}
		case schema.HandleDone:
			hasDone = true
		}
	}
	if entry == nil && hasDone {
		for i := range edges {
			if edges[i].SourceHandle != schema.HandleDone {
				entry = &edges[i]
				break
			}
		}
	}
	for i := range edges {
		if edges[i].SourceHandle == schema.HandleDone {
			exit = &edges[i]
			break
		}
	}
	if exit == nil {
		for i := range edges {
			if &edges[i] != entry && edges[i].SourceHandle != schema.HandleLoop {
				exit = &edges[i]
				break
			}
		}
	}

	d := &loopDescriptor{LoopNodeID: n.ID, ExitEdge: exit, body: map[string]bool{}}
	if entry == nil {
		return d
	}
	stop := map[string]bool{n.ID: true}
	body := idx.reach([]string{entry.Target}, stop)
	if exit != nil {
		for id := range idx.reach([]string{exit.Target}, stop) {
			if id != entry.Target {
				delete(body, id)
			}
		}
	}
	d.EntryNodeID = entry.Target
	d.body = body
	d.BodyNodeIDs = idx.topoOrder(body)
	return d
}

// pairDescriptor: the body is everything reachable from the loop's first
// edge without passing through the matching endloop.
func (idx *graphIndex) pairDescriptor(n schema.Node) (*loopDescriptor, error) {
	pairID := n.PairID()
	var end *schema.Node
	for _, cand := range idx.graph.NodesOfType(schema.NodeTypeEndLoop) {
		if cand.PairID() == pairID {
			c := cand
			end = &c
			break
		}
	}
	if pairID == "" || end == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop node %q has no matching endloop", n.ID).WithNode(n.ID)
	}

	d := &loopDescriptor{LoopNodeID: n.ID, EndNodeID: end.ID, body: map[string]bool{}}
	if outs := idx.out[end.ID]; len(outs) > 0 {
		exit := outs[0]
		d.ExitEdge = &exit
	}
	outs := idx.out[n.ID]
	if len(outs) == 0 || outs[0].Target == end.ID {
		return d, nil
	}
	d.EntryNodeID = outs[0].Target
	d.body = idx.reach([]string{d.EntryNodeID}, map[string]bool{n.ID: true, end.ID: true})
	d.BodyNodeIDs = idx.topoOrder(d.body)
	return d, nil
}
