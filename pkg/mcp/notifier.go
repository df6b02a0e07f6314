package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ProgressMethod is the notification method used for execution events.
const ProgressMethod = "notifications/message"

// Notifier pushes execution progress to the client that started it.
type Notifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements Notifier by sending to the registered MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP client sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the execution.
// Best-effort: returns nil if nobody watches it.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, ProgressMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// forward relays the events of one execution from ch to the notifier until
// the execution ends or ch closes. Events arrive on a subscription opened
// before the run was started, so node.start of the first node is included.
func forward(ctx context.Context, ch <-chan schema.Event, executionID string, n Notifier, sessions *SessionRegistry, logger *slog.Logger) {
	defer sessions.Forget(executionID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(ctx, executionID, eventPayload(ev)); err != nil {
				logger.Warn("progress notification failed",
					slog.String(logging.ExecutionIDKey, executionID),
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
			if ev.Type == schema.EventExecutionCompleted || ev.Type == schema.EventExecutionFailed {
				return
			}
			if _, watched := sessions.SessionFor(executionID); !watched {
				return
			}
		}
	}
}

func eventPayload(ev schema.Event) map[string]any {
	p := map[string]any{
		"type":        ev.Type,
		"executionId": ev.ExecutionID,
		"sequence":    ev.Sequence,
		"timestamp":   ev.Timestamp,
	}
	if ev.NodeID != "" {
		p["nodeId"] = ev.NodeID
		p["nodeType"] = ev.NodeType
	}
	if ev.Status != "" {
		p["status"] = ev.Status
	}
	if ev.Error != "" {
		p["error"] = ev.Error
	}
	return p
}

// watch subscribes to the hub for executionID. The returned stop function
// must be called if the execution never starts.
func (s *NodeflowServer) watch(ctx context.Context, executionID string) (func(), bool) {
	if s.hub == nil || s.notifier == nil {
		return func() {}, false
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return func() {}, false
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, unsubscribe, err := s.hub.Subscribe(subCtx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		cancel()
		s.logger.Warn("progress subscription failed", slog.String("error", err.Error()))
		return func() {}, false
	}
	s.sessions.Register(executionID, session.SessionID())
	go func() {
		defer cancel()
		defer unsubscribe()
		forward(subCtx, ch, executionID, s.notifier, s.sessions, s.logger)
	}()
	return func() {
		s.sessions.Forget(executionID)
		cancel()
	}, true
}
