// Package mcp exposes the workflow engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Executor runs workflow graphs. Satisfied by *engine.Engine.
type Executor interface {
	Run(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts engine.RunOptions) (*store.Execution, error)
	Start(ctx context.Context, graph *schema.WorkflowGraph, triggerInput any, opts engine.RunOptions) (string, error)
	RunNode(ctx context.Context, graph *schema.WorkflowGraph, nodeID string, triggerInput any, opts engine.RunOptions) (*store.Execution, error)
	Cancel(executionID string) bool
	Status(ctx context.Context, executionID string) (*store.Execution, error)
	Validate(graph *schema.WorkflowGraph) error
}

// Schedules validates cron expressions and reloads stored schedules.
// Satisfied by *scheduler.Scheduler.
type Schedules interface {
	CalculateNextRun(spec string, from time.Time) (time.Time, error)
	Sync(ctx context.Context) error
}

// ServerDeps holds the dependencies for creating a NodeflowServer.
// Scheduler and Hub are optional.
type ServerDeps struct {
	Executor  Executor
	Store     store.Store
	Scheduler Schedules
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Version   string
}

// NodeflowServer wraps an MCP server with the nodeflow tool handlers.
type NodeflowServer struct {
	executor  Executor
	store     store.Store
	events    *store.EventLog
	scheduler Schedules
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  Notifier
}

// NewNodeflowServer creates a NodeflowServer with all tools registered.
func NewNodeflowServer(deps ServerDeps) *NodeflowServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &NodeflowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		logger:    logging.OrDefault(deps.Logger),
		sessions:  NewSessionRegistry(),
	}
	if deps.Store != nil {
		s.events = store.NewEventLog(deps.Store)
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Nodeflow executes workflow graphs. Use nodeflow.execute to run a graph or a stored workflow, nodeflow.execute_node to run up to one node, nodeflow.status and nodeflow.cancel to follow or stop an execution, nodeflow.define to store a workflow with an optional cron schedule, nodeflow.query to list executions, workflows or events, and nodeflow.diagram to draw a graph as a Mermaid flowchart."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *NodeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *NodeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *NodeflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: executeNodeTool(), Handler: s.handleExecuteNode},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("nodeflow.execute",
		mcp.WithDescription("Execute a workflow graph or a stored workflow"),
		mcp.WithObject("graph", mcp.Description("Workflow graph with nodes and edges (alternative to workflow_id)")),
		mcp.WithString("workflow_id", mcp.Description("ID of a workflow stored with nodeflow.define")),
		mcp.WithObject("input", mcp.Description("Trigger input passed to the start node")),
		mcp.WithObject("variables", mcp.Description("Variables merged over the graph variables")),
		mcp.WithString("mode", mcp.Enum("sequential", "orchestrated"), mcp.Description("Dispatch mode (default: derived from the graph)")),
		mcp.WithBoolean("skip_schema_validation", mcp.Description("Skip start-node input validation")),
		mcp.WithBoolean("async", mcp.Description("Return the execution id immediately and stream progress as notifications")),
	)
}

func executeNodeTool() mcp.Tool {
	return mcp.NewTool("nodeflow.execute_node",
		mcp.WithDescription("Execute a single node together with its ancestors"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to execute")),
		mcp.WithObject("graph", mcp.Description("Workflow graph with nodes and edges (alternative to workflow_id)")),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithObject("input", mcp.Description("Trigger input passed to the start node")),
		mcp.WithObject("variables", mcp.Description("Variables merged over the graph variables")),
		mcp.WithBoolean("skip_schema_validation", mcp.Description("Skip start-node input validation")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("nodeflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nodeflow.status",
		mcp.WithDescription("Get execution status and trace"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("include_nodes", mcp.Description("Include per-node states rebuilt from recorded events")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("nodeflow.define",
		mcp.WithDescription("Store a workflow graph, optionally on a cron schedule"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph with nodes and edges")),
		mcp.WithString("id", mcp.Description("Workflow ID (default: graph id or a new id)")),
		mcp.WithString("name", mcp.Description("Workflow name")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithString("schedule", mcp.Description("Cron expression (5 fields) or descriptor such as @hourly")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("nodeflow.query",
		mcp.WithDescription("Query executions, workflows, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, since, limit, offset, scheduled, execution_id, after)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("nodeflow.diagram",
		mcp.WithDescription("Render a workflow graph as a Mermaid flowchart"),
		mcp.WithObject("graph", mcp.Description("Workflow graph with nodes and edges (alternative to workflow_id)")),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithString("execution_id", mcp.Description("Colour nodes with the outcome recorded in this execution's trace")),
	)
}
