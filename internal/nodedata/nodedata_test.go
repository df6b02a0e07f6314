package nodedata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_SetsMetadata(t *testing.T) {
	nd := Wrap(map[string]any{"a": 1}, "n1", "transform", "n0")

	assert.Equal(t, "n1", nd.Metadata.NodeID)
	assert.Equal(t, "transform", nd.Metadata.NodeType)
	assert.Equal(t, "n0", nd.Metadata.PreviousNodeID)
	assert.Equal(t, SourceNode, nd.Metadata.Source)
	assert.False(t, nd.Metadata.Timestamp.IsZero())
	assert.Nil(t, nd.Error)
}

func TestWrap_PayloadRoundTrip(t *testing.T) {
	for _, raw := range []any{
		map[string]any{"x": "y"},
		[]any{1.0, 2.0},
		"text",
		42.0,
		true,
		nil,
	} {
		nd := Wrap(raw, "n", "t", "")
		assert.Equal(t, raw, nd.JSON.Any())
	}
}

func TestWrap_Idempotent(t *testing.T) {
	once := Wrap(map[string]any{"a": 1}, "n1", "set", "")
	twice := Wrap(once, "other", "other", "x")
	assert.Equal(t, once, twice)

	ptr := Wrap(&once, "other", "other", "")
	assert.Equal(t, once, ptr)
}

func TestWrap_IdempotentAfterSerialization(t *testing.T) {
	once := Wrap(map[string]any{"a": 1.0}, "n1", "set", "")
	data, err := json.Marshal(once)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	again := Wrap(decoded, "n2", "other", "")
	assert.Equal(t, "n1", again.Metadata.NodeID)
	assert.True(t, once.JSON.Equal(again.JSON))
	assert.True(t, once.Metadata.Timestamp.Equal(again.Metadata.Timestamp))
}

func TestWrap_MapWithoutMetadataIsPayload(t *testing.T) {
	raw := map[string]any{"json": map[string]any{"a": 1.0}}
	nd := Wrap(raw, "n1", "set", "")
	inner, ok := nd.JSON.Get("json")
	require.True(t, ok)
	assert.Equal(t, KindObject, inner.Kind())
}

func TestErrorEnvelope(t *testing.T) {
	nd := ErrorEnvelope("boom", "n1", "http", "HTTP_500", map[string]any{"status": 500})

	assert.True(t, nd.JSON.IsNull())
	require.NotNil(t, nd.Error)
	assert.Equal(t, "boom", nd.Error.Message)
	assert.Equal(t, "HTTP_500", nd.Error.Code)
	assert.Equal(t, 500, nd.Error.Details["status"])
	assert.True(t, nd.HasError())
	assert.Equal(t, SourceError, nd.Metadata.Source)
}

func TestNodeData_WithHelpersDoNotMutate(t *testing.T) {
	base := Wrap("x", "n1", "set", "")
	warned := base.WithError(ErrorInfo{Message: "warn"})
	sourced := base.WithSource(SourceLoop)

	assert.Nil(t, base.Error)
	assert.NotNil(t, warned.Error)
	assert.Equal(t, SourceNode, base.Metadata.Source)
	assert.Equal(t, SourceLoop, sourced.Metadata.Source)
}

func TestNodeData_MetadataValue(t *testing.T) {
	nd := Wrap(1, "n1", "set", "n0")
	meta := nd.MetadataValue()

	id, ok := meta.Get("nodeId")
	require.True(t, ok)
	assert.Equal(t, "n1", id.Text())
	prev, ok := meta.Get("previousNodeId")
	require.True(t, ok)
	assert.Equal(t, "n0", prev.Text())
}
