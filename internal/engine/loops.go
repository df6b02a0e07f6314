package engine

import (
	"log/slog"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// runLoop walks the body once per item. out is the loop node's own output.
// The result is an array envelope of the per-iteration outputs, which
// replaces the loop node's step so later nodes see the collected results.
func (r *run) runLoop(node schema.Node, desc *loopDescriptor, out nodedata.NodeData, parent *loopScope) (nodedata.NodeData, bool, error) {
	items, err := r.iterable(node, out)
	if err != nil {
		return out, true, err
	}
	r.logger.DebugContext(r.ctx, "loop started",
		slog.String(logging.NodeIDKey, node.ID),
		slog.Int("items", len(items)),
		slog.Int("body_nodes", len(desc.BodyNodeIDs)),
	)

	all := nodedata.Array(items...)
	results := make([]nodedata.Value, 0, len(items))
	for i, item := range items {
		if err := r.handle.Err(); err != nil {
			return out, true, err
		}
		in := iterationInput(node, out, item, i, all)
		if desc.EntryNodeID == "" || !r.follows(desc.EntryNodeID, parent) {
			results = append(results, in.JSON)
			continue
		}
		scope := &loopScope{desc: desc, iteration: i, visited: make(map[string]bool)}
		res, ended, err := r.runBody(desc, in, scope)
		if err != nil || ended {
			return res, true, err
		}
		results = append(results, res.JSON)
	}

	agg := nodedata.New(nodedata.Array(results...), node.ID, string(node.Type), out.Metadata.PreviousNodeID).
		WithSource(nodedata.SourceLoop)
	r.setStep(node.ID, agg)
	return agg, false, nil
}

// bodyOutput is the output of a body node within one iteration. seq orders
// the visits.
type bodyOutput struct {
	node schema.Node
	out  nodedata.NodeData
	seq  int
}

// runBody executes one iteration: every body node in topological order,
// starting at the entry node with in. A node runs only when an in-body
// predecessor ran and its edge was taken, so the untaken side of a branch is
// skipped. Each node receives the output of its most recent such
// predecessor. The iteration result is the output of the last node run.
// Nested loops run their own iterations and the nodes they own are skipped
// here.
func (r *run) runBody(desc *loopDescriptor, in nodedata.NodeData, scope *loopScope) (nodedata.NodeData, bool, error) {
	outputs := make(map[string]bodyOutput, len(desc.BodyNodeIDs))
	owned := make(map[string]bool)
	last := in
	seq := 0

	for _, id := range desc.BodyNodeIDs {
		if owned[id] || (r.allowed != nil && !r.allowed[id]) {
			continue
		}
		input := in
		if id != desc.EntryNodeID {
			var ok bool
			if input, ok = r.bodyInput(id, outputs); !ok {
				continue
			}
		}
		node, ok := r.idx.node(id)
		if !ok {
			return input, true, schema.NewErrorf(schema.ErrCodeNotFound, "edge target %q is not a node", id)
		}
		out, err := r.step(node, input, scope)
		if err != nil {
			return out, true, err
		}
		if id == r.stopAfter || node.Type == schema.NodeTypeEnd {
			return out, true, nil
		}

		if node.Type == schema.NodeTypeLoop || node.Type == schema.NodeTypeForEach {
			nested, err := r.idx.descriptor(node)
			if err != nil {
				return out, true, err
			}
			res, ended, err := r.runLoop(node, nested, out, scope)
			if err != nil || ended {
				return res, true, err
			}
			for bodyID := range nested.body {
				owned[bodyID] = true
			}
			out = res
			if nested.EndNodeID != "" && desc.inBody(nested.EndNodeID) {
				owned[nested.EndNodeID] = true
				seq++
				outputs[id] = bodyOutput{node: node, out: out, seq: seq}
				end, _ := r.idx.node(nested.EndNodeID)
				if out, err = r.step(end, res, scope); err != nil {
					return out, true, err
				}
				if end.ID == r.stopAfter {
					return out, true, nil
				}
				node, id = end, end.ID
			}
		}

		seq++
		outputs[id] = bodyOutput{node: node, out: out, seq: seq}
		last = out
	}
	return last, false, nil
}

// bodyInput picks the input of a body node from the predecessors that ran in
// this iteration over a taken edge. ok is false when there is none.
func (r *run) bodyInput(id string, outputs map[string]bodyOutput) (nodedata.NodeData, bool) {
	var best *bodyOutput
	for _, e := range r.idx.in[id] {
		src, ran := outputs[e.Source]
		if !ran || !edgeTaken(src, e) || r.idx.isBackEdge(e) {
			continue
		}
		if best == nil || src.seq > best.seq {
			b := src
			best = &b
		}
	}
	if best == nil {
		return nodedata.NodeData{}, false
	}
	return best.out, true
}

// edgeTaken reports whether the walk leaves src through e: branches take the
// edge matching their outcome and foreach nodes only their exit edges.
func edgeTaken(src bodyOutput, e schema.Edge) bool {
	switch src.node.Type {
	case schema.NodeTypeIfElse:
		return e.SourceHandle == branchHandle(src.out.JSON)
	case schema.NodeTypeForEach:
		return e.SourceHandle != schema.HandleLoop
	}
	return true
}

// iterable picks the items of a loop: config.items (an expression or a
// literal array), else config.iterations as a count, else the loop's output.
// A non-array value is a single item and null is none.
func (r *run) iterable(node schema.Node, out nodedata.NodeData) ([]nodedata.Value, error) {
	var v nodedata.Value
	if raw, ok := node.Config["items"]; ok && raw != nil {
		resolved, err := r.nodeContext().ResolveValue(r.ctx, node, out, raw)
		if err != nil {
			return nil, err
		}
		v = resolved
	} else if n, ok := nodedata.FromAny(node.Config["iterations"]).AsNumber(); ok {
		count := max(int(n), 0)
		items := make([]nodedata.Value, count)
		for i := range items {
			items[i] = nodedata.Number(float64(i))
		}
		return items, nil
	} else {
		v = out.JSON
	}

	if v.IsNull() {
		return nil, nil
	}
	if items, ok := v.AsArray(); ok {
		return items, nil
	}
	return []nodedata.Value{v}, nil
}

// iterationInput is the body input: the loop output's fields (when it is an
// object) plus current, index and array.
func iterationInput(node schema.Node, out nodedata.NodeData, item nodedata.Value, i int, all nodedata.Value) nodedata.NodeData {
	base := out.JSON
	if _, ok := base.AsObject(); !ok {
		base = nodedata.Object(nil)
	}
	payload := base.
		With("current", item).
		With("index", nodedata.Number(float64(i))).
		With("array", all)
	return nodedata.New(payload, node.ID, string(node.Type), out.Metadata.PreviousNodeID).
		WithSource(nodedata.SourceLoop)
}
