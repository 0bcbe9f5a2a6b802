// Package cmd implements modkitctl, a CLI front end wiring the registry,
// resolver, installer, supervisor, dispatcher, and core endpoint into the
// add/list/install/run/kill/remove/serve operations of spec.md §4.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modsup"
)

var configPath string

// NewRootCommand creates the modkitctl root command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "modkitctl",
		Short: "modkitctl manages modules for a session's module supervisor",
		Long: `modkitctl drives a per-session module supervisor: add modules from a
git host or a local path, install and run them as child processes, and
tear them down — all against the bus described in this repository.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file layered over environment variables")

	root.AddCommand(newAddCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newInstallCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newKillCommand())
	root.AddCommand(newRemoveCommand())
	root.AddCommand(newServeCommand())

	return root
}

func loadConfig() (*modsup.SupervisorConfig, error) {
	return modsup.Load(configPath)
}
