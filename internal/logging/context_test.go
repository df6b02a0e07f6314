package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithIDs(ctx, "exec-1", "wf-1")
	ctx = WithNodeID(ctx, "fetch")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "fetch", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-abc"), "n1")
	LogWith(ctx, logger).Info("visited")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-abc")
	assert.Contains(t, out, "node_id=n1")
	assert.NotContains(t, out, "workflow_id")
	assert.Contains(t, out, "visited")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	out := buf.String()
	assert.NotContains(t, out, "execution_id")
	assert.Contains(t, out, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "engine")

	ctx := WithIDs(context.Background(), "exec-9", "wf-9")
	logger.InfoContext(ctx, "run started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exec-9", rec["execution_id"])
	assert.Equal(t, "wf-9", rec["workflow_id"])
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "run started", rec["msg"])
}

func TestCorrelationHandler_Group(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).WithGroup("trace")

	logger.InfoContext(WithNodeID(context.Background(), "n2"), "flushed", "entries", 3)
	assert.Contains(t, buf.String(), "trace.node_id=n2")
	assert.Contains(t, buf.String(), "trace.entries=3")
}

func TestNew_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.WarnContext(WithExecutionID(context.Background(), "x"), "shown")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "x", rec["execution_id"])
}

func TestFromEnv(t *testing.T) {
	t.Setenv("NODEFLOW_LOG_LEVEL", "DEBUG")
	t.Setenv("NODEFLOW_LOG_FORMAT", "json")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, OrDefault(l))
}
