package processors

import "github.com/rendis/nodeflow/pkg/schema"

// BuiltinConfig configures the builtin processors.
type BuiltinConfig struct {
	HTTP HTTPConfig
}

// RegisterBuiltins registers a processor for every builtin node type.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	builtins := []Processor{
		NewPassthroughProcessor(schema.NodeTypeStart, "Entry point; emits the trigger input.", false),
		NewPassthroughProcessor(schema.NodeTypeEnd, "Terminates the run; may shape the result with config.output.", true),
		NewPassthroughProcessor(schema.NodeTypeNoop, "Forwards its input.", false),
		NewPassthroughProcessor(schema.NodeTypeLoop, "Starts a paired loop over config.items or its input.", false),
		NewPassthroughProcessor(schema.NodeTypeEndLoop, "Closes a paired loop; receives the per-iteration results.", false),
		NewPassthroughProcessor(schema.NodeTypeForEach, "Iterates its body over config.items or its input.", false),
		NewPassthroughProcessor(schema.NodeTypeTool, "Tool exposed to agents; forwards or shapes config.output.", true),
		IfElseProcessor{},
		TransformProcessor{},
		SetProcessor{},
		NewHTTPProcessor(cfg.HTTP),
		AgentProcessor{},
	}
	for _, p := range builtins {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
