package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/cancellation"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/internal/processors"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/trace"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// run is the state of one execution. Only the walking goroutine touches it,
// except steps, which agent tools may read concurrently.
type run struct {
	engine  *Engine
	graph   *schema.WorkflowGraph
	idx     *graphIndex
	exec    *store.Execution
	opts    RunOptions
	handle  *cancellation.Handle
	session *trace.Session
	input   any

	ctx    context.Context
	logger *slog.Logger

	mu    sync.Mutex
	steps map[string]nodedata.NodeData

	exprCtx *expressions.Context
	pc      *processors.Context

	// stopAfter and allowed restrict a partial run to a node and its ancestors.
	stopAfter string
	allowed   map[string]bool

	visited map[string]bool
	path    []string
}

// loopScope is the state of one loop iteration.
type loopScope struct {
	desc      *loopDescriptor
	iteration int
	visited   map[string]bool
	path      []string
}

func (s *loopScope) loopNodeID() string { return s.desc.LoopNodeID }

// walkGraph validates the graph and the trigger input, then walks from the
// start node. The result is the payload of the last node visited.
func (r *run) walkGraph() (nodedata.Value, error) {
	if err := r.engine.validator.ValidateGraph(r.graph); err != nil {
		return nodedata.Null, err
	}
	start, err := r.idx.start()
	if err != nil {
		return nodedata.Null, err
	}
	if err := r.validateInput(start); err != nil {
		return nodedata.Null, err
	}
	if err := r.buildContexts(); err != nil {
		return nodedata.Null, err
	}

	trigger := nodedata.Wrap(r.input, "trigger", "trigger", "").WithSource(nodedata.SourceTrigger)
	r.exprCtx.Input = &trigger
	r.visited = make(map[string]bool)

	var out nodedata.NodeData
	if r.mode() == ModeOrchestrated {
		out, err = r.orchestrate(start, trigger)
	} else {
		out, _, err = r.walk(start.ID, trigger, nil)
	}
	return out.JSON, err
}

func (r *run) mode() Mode {
	if r.opts.Mode != ModeAuto {
		return r.opts.Mode
	}
	if r.graph.Orchestrate || len(r.graph.NodesOfType(schema.NodeTypeAgent)) > 1 {
		return ModeOrchestrated
	}
	return ModeSequential
}

// validateInput checks the trigger input against the start node's
// config.inputSchema.
func (r *run) validateInput(start schema.Node) error {
	if r.opts.SkipSchemaValidation {
		return nil
	}
	inputSchema, ok := start.Config["inputSchema"]
	if !ok || inputSchema == nil {
		return nil
	}
	if err := r.engine.validator.ValidateValue(nodedata.FromAny(r.input).Any(), inputSchema); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger input does not match the start node inputSchema").
			WithNode(start.ID).
			WithDetails(map[string]any{"violations": validation.Violations(err)}).
			WithCause(err)
	}
	return nil
}

func (r *run) buildContexts() error {
	secrets := map[string]string{}
	if r.engine.secrets != nil {
		loaded, err := r.engine.secrets.Secrets(r.ctx)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "load secrets").WithCause(err)
		}
		maps.Copy(secrets, loaded)
	}
	maps.Copy(secrets, r.opts.Secrets)

	vars := maps.Clone(r.graph.Variables)
	if vars == nil {
		vars = map[string]any{}
	}
	maps.Copy(vars, r.opts.Variables)

	r.exprCtx = &expressions.Context{Secrets: secrets, Variables: vars}
	r.pc = &processors.Context{
		Workflow:    r.graph,
		ExecutionID: r.exec.ID,
		Resolver:    r.engine.resolver,
		Options:     r.engine.exprOpts,
		Engines:     r.engine.engines,
		Runtime:     r.engine.runtime,
		Registry:    r.engine.registry,
		Validator:   r.engine.validator,
		Logger:      r.logger,
	}
	return nil
}

// walk follows edges from fromID. Inside a loop body scope is the current
// iteration and the walk ends when the next node leaves the body. ended
// reports that the whole run is over: an end node, the partial-run target
// or a failure.
func (r *run) walk(fromID string, in nodedata.NodeData, scope *loopScope) (nodedata.NodeData, bool, error) {
	cur, input := fromID, in
	for {
		node, ok := r.idx.node(cur)
		if !ok {
			return input, true, schema.NewErrorf(schema.ErrCodeNotFound, "edge target %q is not a node", cur)
		}
		out, err := r.step(node, input, scope)
		if err != nil {
			return out, true, err
		}
		if cur == r.stopAfter {
			return out, true, nil
		}

		var next *schema.Edge
		switch node.Type {
		case schema.NodeTypeEnd:
			return out, true, nil

		case schema.NodeTypeLoop, schema.NodeTypeForEach:
			desc, err := r.idx.descriptor(node)
			if err != nil {
				return out, true, err
			}
			res, ended, err := r.runLoop(node, desc, out, scope)
			if err != nil || ended {
				return res, true, err
			}
			out = res
			if desc.EndNodeID != "" {
				end, _ := r.idx.node(desc.EndNodeID)
				if !r.follows(end.ID, scope) {
					return out, false, nil
				}
				if out, err = r.step(end, res, scope); err != nil {
					return out, true, err
				}
				if end.ID == r.stopAfter {
					return out, true, nil
				}
				next = r.firstEdge(end.ID, scope)
			} else if desc.ExitEdge != nil && r.follows(desc.ExitEdge.Target, scope) {
				next = desc.ExitEdge
			}

		case schema.NodeTypeIfElse:
			handle := branchHandle(out.JSON)
			next = r.edgeWithHandle(cur, handle, scope)
			if next == nil {
				r.logger.DebugContext(r.ctx, "no edge for branch outcome",
					slog.String(logging.NodeIDKey, cur),
					slog.String("handle", handle),
				)
			}

		default:
			next = r.firstEdge(cur, scope)
		}

		if next == nil {
			return out, false, nil
		}
		cur, input = next.Target, out
	}
}

// step checks for cancellation, marks the node visited and visits it.
func (r *run) step(node schema.Node, in nodedata.NodeData, scope *loopScope) (nodedata.NodeData, error) {
	if err := r.handle.Err(); err != nil {
		return in, err
	}
	if err := r.markVisited(node.ID, scope); err != nil {
		return in, err
	}
	return r.visit(node, in, scope)
}

func (r *run) markVisited(id string, scope *loopScope) error {
	visited, path := r.visited, &r.path
	if scope != nil {
		visited, path = scope.visited, &scope.path
	}
	if visited[id] {
		cycle := append(append([]string(nil), *path...), id)
		return schema.NewCircularDependencyError(id, cycle)
	}
	visited[id] = true
	*path = append(*path, id)
	return nil
}

// follows reports whether the walk may move to target.
func (r *run) follows(target string, scope *loopScope) bool {
	if r.allowed != nil && !r.allowed[target] {
		return false
	}
	return scope == nil || scope.desc.inBody(target)
}

func (r *run) firstEdge(from string, scope *loopScope) *schema.Edge {
	for _, e := range r.idx.out[from] {
		if r.follows(e.Target, scope) {
			return &e
		}
	}
	return nil
}

func (r *run) edgeWithHandle(from, handle string, scope *loopScope) *schema.Edge {
	for _, e := range r.idx.out[from] {
		if e.SourceHandle == handle && r.follows(e.Target, scope) {
			return &e
		}
	}
	return nil
}

// branchHandle maps a branch output to the "true" or "false" handle. The
// output is either {result: bool, ...} or a bare boolean.
func branchHandle(v nodedata.Value) string {
	if res, ok := v.Get("result"); ok {
		v = res
	}
	if v.Truthy() {
		return schema.HandleTrue
	}
	return schema.HandleFalse
}

// visit dispatches node and records the trace entry and progress events.
// Processors run detached from cancellation; the walk checks the signal
// between nodes.
func (r *run) visit(node schema.Node, in nodedata.NodeData, scope *loopScope) (nodedata.NodeData, error) {
	started := time.Now().UTC()
	r.publish(schema.Event{
		Type:      schema.EventNodeStart,
		NodeID:    node.ID,
		NodeType:  string(node.Type),
		NodeLabel: node.DisplayName(),
		StartedAt: started,
	})

	pc := r.nodeContext()
	nctx := logging.WithNodeID(context.WithoutCancel(r.ctx), node.ID)
	out, err := r.dispatch(nctx, node, in, pc)
	elapsed := time.Since(started)

	status := schema.NodeStatusCompleted
	if err != nil {
		status = schema.NodeStatusFailed
		out = errorEnvelope(node, err)
		r.logger.ErrorContext(nctx, "node failed",
			slog.String(logging.NodeIDKey, node.ID),
			slog.String("node_type", string(node.Type)),
			slog.String("error", err.Error()),
		)
	} else {
		r.setStep(node.ID, out)
	}

	entry := store.TraceEntry{
		NodeID:       node.ID,
		Type:         string(node.Type),
		Label:        node.Label,
		Input:        in,
		Output:       out,
		Timestamp:    started,
		Duration:     elapsed,
		InputSchema:  r.infer(in.JSON),
		OutputSchema: r.infer(out.JSON),
		Error:        out.Error,
		ToolCalls:    pc.Report.ToolCalls(),
		AgentName:    pc.Report.AgentName(),
	}
	if scope != nil {
		iteration := scope.iteration
		entry.LoopNodeID = scope.loopNodeID()
		entry.Iteration = &iteration
	}
	r.session.Append(entry)

	ev := schema.Event{
		Type:        schema.EventNodeEnd,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		NodeLabel:   node.DisplayName(),
		Status:      string(status),
		Duration:    elapsed,
		StartedAt:   started,
		CompletedAt: started.Add(elapsed),
	}
	if err != nil {
		ev.Error = errorMessage(err)
	} else {
		ev.Output = out.JSON.Any()
	}
	r.publish(ev)
	r.engine.metrics.ObserveNode(string(node.Type), string(status), elapsed)
	return out, err
}

// dispatch runs the processor, retrying per config.retry.
func (r *run) dispatch(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *processors.Context) (nodedata.NodeData, error) {
	policy := retryPolicy(node)
	attempts := 1
	if policy != nil {
		attempts = policy.MaxAttempts
	}

	var (
		out nodedata.NodeData
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.ComputeBackoff(attempt - 1)
			r.logger.WarnContext(ctx, "retrying node",
				slog.String(logging.NodeIDKey, node.ID),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if !waitForBackoff(r.handle.Done(), delay) {
				return out, r.handle.Err()
			}
		}
		out, err = r.engine.registry.Dispatch(ctx, node, in, pc)
		if err == nil || !IsRetryableError(err) {
			return out, err
		}
	}
	return out, err
}

// nodeContext returns the processor context for one visit, with a snapshot
// of the step outputs recorded so far.
func (r *run) nodeContext() *processors.Context {
	r.mu.Lock()
	steps := maps.Clone(r.steps)
	r.mu.Unlock()

	ec := *r.exprCtx
	ec.Steps = steps
	pc := r.pc.ForNode()
	pc.Expressions = &ec
	return pc
}

func (r *run) setStep(nodeID string, out nodedata.NodeData) {
	r.mu.Lock()
	r.steps[nodeID] = out
	r.mu.Unlock()
}

// infer never fails a visit: a shape that cannot be inferred is omitted.
func (r *run) infer(v nodedata.Value) (shape *nodedata.Shape) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WarnContext(r.ctx, "schema inference failed", slog.Any("panic", p))
			shape = nil
		}
	}()
	return nodedata.Infer(v)
}

// finish flushes the trace, then moves the execution to its terminal status.
func (r *run) finish(status schema.ExecutionStatus, out nodedata.Value, runErr error) error {
	ctx := context.WithoutCancel(r.ctx)
	if err := r.session.End(ctx); err != nil {
		r.logger.ErrorContext(ctx, "final trace flush failed", slog.String("error", err.Error()))
	}

	completed := time.Now().UTC()
	var errMsg string
	if runErr != nil {
		errMsg = errorMessage(runErr)
	}

	err := r.engine.fsm.Transition(ctx, r.exec.ID, r.exec.Status, status, func() error {
		update := store.ExecutionUpdate{Status: &status, CompletedAt: &completed}
		if runErr != nil {
			update.Error = &errMsg
		} else {
			update.Output = &out
		}
		if err := r.engine.store.UpdateExecution(ctx, r.exec.ID, update); err != nil {
			return err
		}
		r.exec.Status = status
		r.exec.CompletedAt = &completed
		r.exec.Error = errMsg
		if runErr == nil {
			r.exec.Output = out
		}
		return nil
	})
	r.exec.Trace = r.session.Trace()
	if err != nil {
		r.logger.ErrorContext(ctx, "execution status update failed", slog.String("error", err.Error()))
	}

	ev := schema.Event{
		Type:        schema.EventExecutionCompleted,
		Status:      string(status),
		StartedAt:   r.exec.StartedAt,
		CompletedAt: completed,
		Duration:    completed.Sub(r.exec.StartedAt),
	}
	if runErr != nil {
		ev.Type = schema.EventExecutionFailed
		ev.Error = errMsg
		r.logger.WarnContext(ctx, "execution failed", slog.String("error", errMsg))
	} else {
		ev.Output = out.Any()
		r.logger.InfoContext(ctx, "execution completed", slog.Duration("duration", ev.Duration))
	}
	r.publish(ev)
	return err
}

// publish is best effort: a failing hub never fails the run.
func (r *run) publish(ev schema.Event) {
	hub := r.engine.hub
	if hub == nil {
		return
	}
	ev.ExecutionID = r.exec.ID
	if ev.WorkflowID == "" {
		ev.WorkflowID = r.exec.WorkflowID
	}
	if err := hub.Publish(context.WithoutCancel(r.ctx), ev); err != nil {
		r.logger.WarnContext(r.ctx, "publish event failed",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func errorEnvelope(node schema.Node, err error) nodedata.NodeData {
	code := schema.ErrCodeExecution
	var details map[string]any
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		code = nfErr.Code
		details = nfErr.Details
	}
	return nodedata.ErrorEnvelope(errorMessage(err), node.ID, string(node.Type), code, details)
}

// errorMessage is the message of the outermost NodeflowError in err.
func errorMessage(err error) string {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Message
	}
	return err.Error()
}
