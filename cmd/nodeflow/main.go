// Command nodeflow runs workflow graphs from files or serves the engine
// over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions carries the resolved configuration to the subcommands.
type rootOptions struct {
	configPath string
	flags      Config
	cfg        Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "nodeflow",
		Short: "Nodeflow - workflow graph execution engine",
		Long: `Nodeflow executes workflow graphs: start, transform, branch, loop,
HTTP and agent nodes wired by edges, with {{expression}} resolution
between them.

Settings are read from ~/.nodeflow/settings.json, NODEFLOW_* environment
variables and flags, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				path = settingsPath()
			}
			cfg, err := loadConfig(path, os.Getenv)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, opts.flags)
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.nodeflow/settings.json)")
	registerConfigFlags(cmd, &opts.flags)

	cmd.AddCommand(
		newRunCommand(opts),
		newRunNodeCommand(opts),
		newServeCommand(opts),
		newDiagramCommand(opts),
		newVersionCommand(),
	)
	return cmd
}
