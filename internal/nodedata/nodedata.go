// Package nodedata defines the envelope passed between workflow nodes.
package nodedata

import (
	"time"
)

// Sources recorded in Metadata.Source.
const (
	SourceTrigger = "trigger"
	SourceNode    = "node"
	SourceLoop    = "loop"
	SourceAgent   = "agent"
	SourceError   = "error"
)

// Metadata identifies the producer of a NodeData value.
type Metadata struct {
	NodeID         string    `json:"nodeId"`
	NodeType       string    `json:"nodeType"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	PreviousNodeID string    `json:"previousNodeId,omitempty"`
}

// SchemaPair holds inferred shapes of a node's input and output.
type SchemaPair struct {
	Input  *Shape `json:"input,omitempty"`
	Output *Shape `json:"output,omitempty"`
}

// ErrorInfo is the error payload of an error-carrying envelope.
type ErrorInfo struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NodeData is the universal envelope passed between nodes. JSON is the only
// payload field. Values are replaced, never mutated, as they move along the graph.
type NodeData struct {
	JSON     Value       `json:"json"`
	Metadata Metadata    `json:"metadata"`
	Schema   *SchemaPair `json:"schema,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

// New builds the envelope a node emits for payload v.
func New(v Value, nodeID, nodeType, previousNodeID string) NodeData {
	return NodeData{
		JSON: v,
		Metadata: Metadata{
			NodeID:         nodeID,
			NodeType:       nodeType,
			Timestamp:      time.Now().UTC(),
			Source:         SourceNode,
			PreviousNodeID: previousNodeID,
		},
	}
}

// Wrap builds an envelope around raw. Values that already are envelopes are
// returned as-is so wrapping never nests payloads.
func Wrap(raw any, nodeID, nodeType, previousNodeID string) NodeData {
	if nd, ok := AsEnvelope(raw); ok {
		return nd
	}
	return New(FromAny(raw), nodeID, nodeType, previousNodeID)
}

// ErrorEnvelope builds an error-carrying envelope with a null payload.
func ErrorEnvelope(message, nodeID, nodeType, code string, details map[string]any) NodeData {
	return NodeData{
		JSON: Null,
		Metadata: Metadata{
			NodeID:    nodeID,
			NodeType:  nodeType,
			Timestamp: time.Now().UTC(),
			Source:    SourceError,
		},
		Error: &ErrorInfo{Message: message, Code: code, Details: details},
	}
}

// AsEnvelope reports whether raw already is an envelope: a NodeData, a
// *NodeData, or decoded data shaped like one (json plus metadata.nodeId).
func AsEnvelope(raw any) (NodeData, bool) {
	switch x := raw.(type) {
	case NodeData:
		return x, true
	case *NodeData:
		if x == nil {
			return NodeData{}, false
		}
		return *x, true
	case map[string]any:
		return envelopeFromValue(FromAny(x))
	case Value:
		return envelopeFromValue(x)
	}
	return NodeData{}, false
}

func envelopeFromValue(v Value) (NodeData, bool) {
	if v.Kind() != KindObject {
		return NodeData{}, false
	}
	payload, ok := v.Get("json")
	if !ok {
		return NodeData{}, false
	}
	meta, ok := v.Get("metadata")
	if !ok || meta.Kind() != KindObject {
		return NodeData{}, false
	}
	nodeID, ok := meta.Get("nodeId")
	if !ok || nodeID.Kind() != KindString {
		return NodeData{}, false
	}

	nd := NodeData{JSON: payload}
	nd.Metadata.NodeID = nodeID.Text()
	nd.Metadata.NodeType = stringField(meta, "nodeType")
	nd.Metadata.Source = stringField(meta, "source")
	nd.Metadata.PreviousNodeID = stringField(meta, "previousNodeId")
	if ts, err := time.Parse(time.RFC3339Nano, stringField(meta, "timestamp")); err == nil {
		nd.Metadata.Timestamp = ts
	}
	if errVal, ok := v.Get("error"); ok && errVal.Kind() == KindObject {
		nd.Error = &ErrorInfo{
			Message: stringField(errVal, "message"),
			Code:    stringField(errVal, "code"),
		}
		if details, ok := errVal.Get("details"); ok {
			if m, ok := details.Any().(map[string]any); ok {
				nd.Error.Details = m
			}
		}
	}
	return nd, true
}

func stringField(v Value, key string) string {
	f, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := f.AsString()
	return s
}

// WithSource returns a copy of nd with Metadata.Source replaced.
func (nd NodeData) WithSource(source string) NodeData {
	nd.Metadata.Source = source
	return nd
}

// WithJSON returns a copy of nd carrying a different payload.
func (nd NodeData) WithJSON(v Value) NodeData {
	nd.JSON = v
	return nd
}

// WithError returns a copy of nd with the given error attached. The payload
// is kept, which is how non-fatal warnings travel.
func (nd NodeData) WithError(info ErrorInfo) NodeData {
	nd.Error = &info
	return nd
}

// HasError reports whether an error payload is attached.
func (nd NodeData) HasError() bool {
	return nd.Error != nil
}

// MetadataValue returns the metadata record as a Value for path navigation.
func (nd NodeData) MetadataValue() Value {
	fields := map[string]Value{
		"nodeId":    String(nd.Metadata.NodeID),
		"nodeType":  String(nd.Metadata.NodeType),
		"timestamp": String(nd.Metadata.Timestamp.Format(time.RFC3339Nano)),
		"source":    String(nd.Metadata.Source),
	}
	if nd.Metadata.PreviousNodeID != "" {
		fields["previousNodeId"] = String(nd.Metadata.PreviousNodeID)
	}
	return Object(fields)
}
