package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/store"
)

type runFlags struct {
	input      string
	mode       string
	vars       map[string]string
	skipSchema bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "trigger input as JSON")
	cmd.Flags().StringVar(&f.mode, "mode", "", "dispatch mode: sequential or orchestrated (default: from the graph)")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "variable override, key=value (repeatable)")
	cmd.Flags().BoolVar(&f.skipSchema, "skip-schema-validation", false, "skip start-node input validation")
}

func (f *runFlags) options() engine.RunOptions {
	opts := engine.RunOptions{
		Mode:                 engine.Mode(f.mode),
		SkipSchemaValidation: f.skipSchema,
	}
	if len(f.vars) > 0 {
		opts.Variables = make(map[string]any, len(f.vars))
		for k, v := range f.vars {
			opts.Variables[k] = v
		}
	}
	return opts
}

func newRunCommand(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Execute a workflow graph file",
		Long: `Execute a workflow graph read from a JSON or YAML file ("-" for stdin)
and print the finished execution as JSON. Exits non-zero when the
execution fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, root.cfg, args[0], "", flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunNodeCommand(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run-node <graph> <node>",
		Short: "Execute one node of a workflow graph and the nodes it depends on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, root.cfg, args[0], args[1], flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// execute runs the graph at path, or only up to nodeID when set, and
// writes the execution to the command output.
func execute(cmd *cobra.Command, cfg Config, path, nodeID string, flags *runFlags) error {
	graph, err := loadGraph(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	input, err := parseInput(flags.input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var exec *store.Execution
	if nodeID != "" {
		exec, err = a.engine.RunNode(ctx, graph, nodeID, input, flags.options())
	} else {
		exec, err = a.engine.Run(ctx, graph, input, flags.options())
	}
	if exec == nil {
		return err
	}

	out, merr := json.MarshalIndent(exec, "", "  ")
	if merr != nil {
		return fmt.Errorf("marshal execution: %w", merr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if err != nil {
		return fmt.Errorf("execution %s failed: %s", exec.ID, exec.Error)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
