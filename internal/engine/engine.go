// Package engine walks workflow graphs: it dispatches each node to its
// processor, follows branch and loop edges, records the trace and publishes
// progress events.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/cancellation"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/internal/processors"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/trace"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Mode selects how nodes are dispatched during a run.
type Mode string

const (
	// ModeAuto orchestrates when the graph asks for it or has several agents.
	ModeAuto Mode = ""
	// ModeSequential walks the graph edge by edge.
	ModeSequential Mode = "sequential"
	// ModeOrchestrated hands the agent nodes to the agent runtime as tools.
	ModeOrchestrated Mode = "orchestrated"
)

// DefaultPoolSize bounds concurrent background executions started with Start.
const DefaultPoolSize = 4

// SkipSchemaValidationKey in an object trigger input disables start-node
// input validation. The key is removed before the input reaches the graph.
const SkipSchemaValidationKey = "skipSchemaValidation"

// RunOptions tune a single execution.
type RunOptions struct {
	// ExecutionID is generated when empty.
	ExecutionID string
	// WorkflowID defaults to the graph id.
	WorkflowID string
	Mode       Mode
	// SkipSchemaValidation disables start-node input validation.
	SkipSchemaValidation bool
	// Variables are merged over graph.variables.
	Variables map[string]any
	// Secrets are merged over the engine's secret provider.
	Secrets map[string]string
}

// Config wires an Engine. Store is required; everything else has a default.
type Config struct {
	Store     store.Store
	Registry  *processors.Registry
	Hub       streaming.EventHub
	Recorder  *trace.Recorder
	Trace     trace.Config
	Validator validation.Validator
	Secrets   secrets.Provider
	Runtime   agentruntime.Runtime
	Resolver  *expressions.Resolver
	Engines   *expressions.Engines
	// Expressions are the default resolution options; nodes override them.
	Expressions expressions.Options
	PoolSize    int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Engine runs workflow graphs. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	registry  *processors.Registry
	hub       streaming.EventHub
	recorder  *trace.Recorder
	validator validation.Validator
	secrets   secrets.Provider
	runtime   agentruntime.Runtime
	resolver  *expressions.Resolver
	engines   *expressions.Engines
	exprOpts  expressions.Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cancels *cancellation.Coordinator
	fsm     *ExecutionFSM
	pool    *Pool
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	logger := logging.OrDefault(cfg.Logger)

	e := &Engine{
		store:     cfg.Store,
		registry:  cfg.Registry,
		hub:       cfg.Hub,
		recorder:  cfg.Recorder,
		validator: cfg.Validator,
		secrets:   cfg.Secrets,
		runtime:   cfg.Runtime,
		resolver:  cfg.Resolver,
		engines:   cfg.Engines,
		exprOpts:  cfg.Expressions,
		metrics:   cfg.Metrics,
		logger:    logger,
		cancels:   cancellation.NewCoordinator(),
		fsm:       NewExecutionFSM(),
	}

	if e.registry == nil {
		e.registry = processors.NewRegistry()
		if err := processors.RegisterBuiltins(e.registry, processors.BuiltinConfig{}); err != nil {
			return nil, err
		}
	}
	if e.recorder == nil {
		e.recorder = trace.NewRecorder(cfg.Store, cfg.Trace, logger, cfg.Metrics)
	}
	if e.validator == nil {
		v, err := validation.NewGraphValidator(e.registry)
		if err != nil {
			return nil, err
		}
		e.validator = v
	}
	if e.resolver == nil {
		e.resolver = expressions.NewResolver(logger)
	}
	if e.engines == nil {
		eng, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		e.engines = eng
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	e.pool = NewPool(poolSize, logger)

	for _, to := range []schema.ExecutionStatus{schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed} {
		e.fsm.OnAfter(schema.ExecutionStatusRunning, to, func(context.Context, string, schema.ExecutionStatus, schema.ExecutionStatus) error {
			e.metrics.ExecutionFinished(string(to))
			return nil
		})
	}
	return e, nil
}

// Registry returns the processor registry.
func (e *Engine) Registry() *processors.Registry { return e.registry }

// Recorder returns the trace recorder.
func (e *Engine) Recorder() *trace.Recorder { return e.recorder }

// Validate checks graph statically without running it.
func (e *Engine) Validate(graph *schema.WorkflowGraph) error {
	if graph == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	return e.validator.ValidateGraph(graph)
}

// Run executes graph synchronously with triggerInput. ctx is the abort
// signal. The returned execution is terminal; when the run failed the
// error is returned as well.
func (e *Engine) Run(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts RunOptions) (*store.Execution, error) {
	r, err := e.prepare(ctx, graph, triggerInput, opts)
	if err != nil {
		return nil, err
	}
	return e.execute(r)
}

// Start submits the run to the worker pool and returns its execution id.
// The run is detached from ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts RunOptions) (string, error) {
	r, err := e.prepare(context.WithoutCancel(ctx), graph, triggerInput, opts)
	if err != nil {
		return "", err
	}
	err = e.pool.Submit(ctx, func() {
		_, _ = e.execute(r)
	})
	if err != nil {
		defer e.cancels.Remove(r.exec.ID)
		_ = r.finish(schema.ExecutionStatusFailed, nodedata.Null,
			schema.NewErrorf(schema.ErrCodeExecution, "execution not started: %s", err.Error()).WithCause(err))
		return "", err
	}
	return r.exec.ID, nil
}

// RunNode executes every ancestor of nodeID and then nodeID itself,
// stopping there. The result is the target's output.
func (e *Engine) RunNode(ctx context.Context, graph *schema.WorkflowGraph, nodeID string, triggerInput any, opts RunOptions) (*store.Execution, error) {
	if graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if _, ok := graph.NodeByID(nodeID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", nodeID)
	}
	idx := newGraphIndex(graph)
	if start, err := idx.start(); err == nil && !idx.ancestors(nodeID)[start.ID] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q is not reachable from start node %q", nodeID, start.ID).
			WithNode(nodeID)
	}
	r, err := e.prepare(ctx, graph, triggerInput, opts)
	if err != nil {
		return nil, err
	}
	r.stopAfter = nodeID
	r.allowed = r.idx.ancestors(nodeID)
	return e.execute(r)
}

// Cancel signals a running execution. It returns false when the execution
// is unknown or already finished.
func (e *Engine) Cancel(executionID string) bool {
	return e.cancels.Cancel(executionID)
}

// Active returns the ids of running executions.
func (e *Engine) Active() []string {
	return e.cancels.Active()
}

// Status returns the stored execution, with the live trace of a running
// execution merged in.
func (e *Engine) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if s, ok := e.recorder.Session(executionID); ok {
		exec.Trace = store.MergeTrace(exec.Trace, s.Trace())
	}
	return exec, nil
}

// Shutdown cancels running executions and waits for the pool to drain or
// ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	if n := e.cancels.CancelAll(); n > 0 {
		e.logger.Info("cancelling running executions", slog.Int("count", n))
	}
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare creates the execution record and the per-run state.
func (e *Engine) prepare(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts RunOptions) (*run, error) {
	if graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	id := opts.ExecutionID
	if id == "" {
		id = uuid.New().String()
	}
	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = graph.ID
	}

	input, skip := stripSkipFlag(triggerInput)
	opts.SkipSchemaValidation = opts.SkipSchemaValidation || skip

	handle, err := e.cancels.Create(ctx, id)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     schema.ExecutionStatusRunning,
		Input:      nodedata.FromAny(input),
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.cancels.Remove(id)
		return nil, err
	}
	e.metrics.ExecutionStarted()

	r := &run{
		engine:  e,
		graph:   graph,
		idx:     newGraphIndex(graph),
		exec:    exec,
		opts:    opts,
		handle:  handle,
		session: e.recorder.Begin(id),
		steps:   make(map[string]nodedata.NodeData),
		input:   input,
	}
	r.ctx = logging.WithIDs(handle.Context(), id, workflowID)
	r.logger = e.logger.With(slog.String(logging.ExecutionIDKey, id))

	r.publish(schema.Event{
		Type:       schema.EventExecutionStarted,
		WorkflowID: workflowID,
		StartedAt:  exec.StartedAt,
	})
	return r, nil
}

func (e *Engine) execute(r *run) (*store.Execution, error) {
	defer e.cancels.Remove(r.exec.ID)

	out, runErr := r.walkGraph()
	if err := r.finish(terminalStatus(runErr), out, runErr); err != nil && runErr == nil {
		runErr = err
	}
	return r.exec.Clone(), runErr
}

func terminalStatus(err error) schema.ExecutionStatus {
	if err != nil {
		return schema.ExecutionStatusFailed
	}
	return schema.ExecutionStatusCompleted
}

func stripSkipFlag(input any) (any, bool) {
	m, ok := input.(map[string]any)
	if !ok {
		return input, false
	}
	flag, ok := m[SkipSchemaValidationKey].(bool)
	if !ok {
		return input, false
	}
	cp := maps.Clone(m)
	delete(cp, SkipSchemaValidationKey)
	return cp, flag
}
