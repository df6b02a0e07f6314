package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/internal/store"
)

func newDiagramCommand(root *rootOptions) *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "diagram <graph>",
		Short: "Print a workflow graph as a Mermaid flowchart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			var trace []store.TraceEntry
			if executionID != "" {
				ctx := commandContext(cmd)
				st, err := openStore(ctx, root.cfg.DBPath, newLogger(root.cfg))
				if err != nil {
					return err
				}
				defer func() { _ = st.Close() }()
				exec, err := st.GetExecution(ctx, executionID)
				if err != nil {
					return err
				}
				trace = exec.Trace
			}

			model, err := diagram.Build(graph, trace)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			return nil
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "colour nodes with the trace of this stored execution")
	return cmd
}
