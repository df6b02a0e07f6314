package processors

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Registry is the thread-safe node type to processor mapping.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
	}
}

// Register adds a processor. Returns an error on duplicate node type.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "processor is nil")
	}
	nodeType := p.Type()
	if nodeType == "" {
		return schema.NewError(schema.ErrCodeValidation, "processor node type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[nodeType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "processor for node type %q already registered", nodeType)
	}
	r.processors[nodeType] = p
	return nil
}

// Get returns the processor for nodeType.
func (r *Registry) Get(nodeType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no processor registered for node type %q", nodeType)
	}
	return p, nil
}

// Has reports whether a processor is registered for nodeType.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[nodeType]
	return ok
}

// List returns info for all registered processors, sorted by type.
func (r *Registry) List() []ProcessorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProcessorInfo, 0, len(r.processors))
	for t, p := range r.processors {
		info := ProcessorInfo{Type: t}
		if d, ok := p.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Count returns the number of registered processors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}

// Dispatch runs the processor for node. Every failure, including an unknown
// node type, comes back as a NODE_PROCESSOR_ERROR wrapping the cause. When
// the node declares config.outputSchema, a non-conforming output is
// returned with an OUTPUT_VALIDATION_WARNING attached instead of failing.
func (r *Registry) Dispatch(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	p, err := r.Get(string(node.Type))
	if err != nil {
		return nodedata.NodeData{}, schema.NewNodeProcessorError(node.ID, err)
	}

	out, err := p.ProcessNodeData(ctx, node, in, pc)
	if err != nil {
		var nfErr *schema.NodeflowError
		if errors.As(err, &nfErr) && nfErr.Code == schema.ErrCodeNodeProcessor {
			return nodedata.NodeData{}, err
		}
		return nodedata.NodeData{}, schema.NewNodeProcessorError(node.ID, err)
	}

	if out.Metadata.NodeID == "" {
		out.Metadata = emit(node, in, out.JSON).Metadata
	}
	return checkOutput(ctx, node, out, pc), nil
}

func checkOutput(ctx context.Context, node schema.Node, out nodedata.NodeData, pc *Context) nodedata.NodeData {
	outputSchema, ok := node.Config["outputSchema"]
	if !ok || pc == nil || pc.Validator == nil || out.HasError() {
		return out
	}
	err := pc.Validator.ValidateValue(out.JSON.Any(), outputSchema)
	if err == nil {
		return out
	}

	details := map[string]any{}
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) && nfErr.Details != nil {
		if v, ok := nfErr.Details["violations"]; ok {
			details["violations"] = v
		}
	}
	pc.logger().WarnContext(ctx, "node output does not match its schema",
		slog.String("node_id", node.ID),
		slog.String("error", err.Error()),
	)
	return out.WithError(nodedata.ErrorInfo{
		Message: "output does not match outputSchema: " + errMessage(err),
		Code:    schema.ErrCodeOutputValidation,
		Details: details,
	})
}

func errMessage(err error) string {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Message
	}
	return err.Error()
}
