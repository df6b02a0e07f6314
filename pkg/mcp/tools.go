package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// handleExecute runs a graph, synchronously or in the background.
func (s *NodeflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, workflowID, err := s.resolveGraph(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	opts := runOptions(req, workflowID)
	input := req.GetArguments()["input"]

	if !req.GetBool("async", false) {
		exec, runErr := s.executor.Run(ctx, graph, input, opts)
		if exec == nil {
			return toolError(runErr), nil
		}
		return marshalResult(exec)
	}

	opts.ExecutionID = uuid.NewString()
	stop, streaming := s.watch(ctx, opts.ExecutionID)
	id, err := s.executor.Start(ctx, graph, input, opts)
	if err != nil {
		stop()
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"executionId": id,
		"status":      schema.ExecutionStatusRunning,
		"streaming":   streaming,
	})
}

// handleExecuteNode runs the ancestors of a node and the node itself.
func (s *NodeflowServer) handleExecuteNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	graph, workflowID, err := s.resolveGraph(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	exec, runErr := s.executor.RunNode(ctx, graph, nodeID, req.GetArguments()["input"], runOptions(req, workflowID))
	if exec == nil {
		return toolError(runErr), nil
	}
	return marshalResult(exec)
}

// handleCancel signals a running execution.
func (s *NodeflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.executor.Cancel(executionID) {
		return marshalResult(map[string]any{"executionId": executionID, "cancelled": true})
	}
	exec, err := s.executor.Status(ctx, executionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"executionId": executionID,
		"cancelled":   false,
		"status":      exec.Status,
	})
}

// handleStatus returns the execution with its live trace.
func (s *NodeflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.executor.Status(ctx, executionID)
	if err != nil {
		return toolError(err), nil
	}
	if !req.GetBool("include_nodes", false) || s.events == nil {
		return marshalResult(exec)
	}
	nodes, err := s.events.Replay(ctx, executionID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"execution": exec, "nodes": nodes})
}

// handleDefine validates and stores a workflow graph.
func (s *NodeflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	graph, err := decodeGraph(raw)
	if err != nil {
		return toolError(err), nil
	}

	id := req.GetString("id", graph.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if graph.ID == "" {
		graph.ID = id
	}
	if err := s.executor.Validate(graph); err != nil {
		return toolError(err), nil
	}

	rec := &store.WorkflowRecord{
		ID:          id,
		Name:        req.GetString("name", graph.Name),
		Description: req.GetString("description", ""),
		Graph:       *graph,
		Schedule:    req.GetString("schedule", ""),
	}
	result := map[string]any{"id": id}
	if rec.Schedule != "" {
		if s.scheduler == nil {
			return mcp.NewToolResultError("schedules are not enabled on this server"), nil
		}
		next, err := s.scheduler.CalculateNextRun(rec.Schedule, time.Now().UTC())
		if err != nil {
			return toolError(err), nil
		}
		result["schedule"] = rec.Schedule
		result["nextRun"] = next
	}

	if err := s.store.SaveWorkflow(ctx, rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", err)), nil
	}
	if s.scheduler != nil {
		if err := s.scheduler.Sync(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow stored but schedule sync failed: %v", err)), nil
		}
	}
	return marshalResult(result)
}

// handleQuery lists executions, workflows, or events based on filters.
func (s *NodeflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram renders a graph as Mermaid, with the trace of an execution
// as status overlay when execution_id is given.
func (s *NodeflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, _, err := s.resolveGraph(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	var trace []store.TraceEntry
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		exec, err := s.executor.Status(ctx, executionID)
		if err != nil {
			return toolError(err), nil
		}
		trace = exec.Trace
	}
	model, err := diagram.Build(graph, trace)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Query helpers ---

func (s *NodeflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", err)), nil
		}
		ef.Since = &t
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Listings stay small; the trace is available through nodeflow.status.
	for _, e := range execs {
		e.Trace = nil
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *NodeflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if scheduled, ok := filter["scheduled"].(bool); ok {
		wf.Scheduled = scheduled
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if workflows == nil {
		workflows = []*store.WorkflowRecord{}
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *NodeflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	after := int64(extractInt(filter, "after", 0))

	events, err := s.events.Events(ctx, executionID, after)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// resolveGraph returns the inline graph argument or the stored workflow
// named by workflow_id, plus the workflow id to record on the execution.
func (s *NodeflowServer) resolveGraph(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowGraph, string, error) {
	workflowID := req.GetString("workflow_id", "")
	if raw := mcp.ParseStringMap(req, "graph", nil); raw != nil {
		graph, err := decodeGraph(raw)
		if err != nil {
			return nil, "", err
		}
		return graph, workflowID, nil
	}
	if workflowID == "" {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "either graph or workflow_id is required")
	}
	rec, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, "", err
	}
	graph := rec.Graph
	return &graph, rec.ID, nil
}

func runOptions(req mcp.CallToolRequest, workflowID string) engine.RunOptions {
	return engine.RunOptions{
		WorkflowID:           workflowID,
		Mode:                 engine.Mode(req.GetString("mode", "")),
		SkipSchemaValidation: req.GetBool("skip_schema_validation", false),
		Variables:            mcp.ParseStringMap(req, "variables", nil),
	}
}

// decodeGraph converts a tool argument object into a WorkflowGraph.
func decodeGraph(raw map[string]any) (*schema.WorkflowGraph, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid graph: %v", err)
	}
	var g schema.WorkflowGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid graph: %v", err)
	}
	return &g, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError renders err as a tool error result. NodeflowError messages
// carry their code.
func toolError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
