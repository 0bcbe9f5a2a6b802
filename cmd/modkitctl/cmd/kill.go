package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <path>",
		Short: "Gracefully stop a module running in this modkitctl process",
		Long: `kill exists for parity with the supervisor's kill_module operation, but a
standalone modkitctl invocation has no running set of its own to act on
unless a module was started with "run" in this same process. It does not
reach a separately running "serve" daemon (httpdebug is read-only and
offers no kill). For a path on record that is not running here, this
subcommand is a no-op; a path that is not in the registry fails with
module_unknown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sup.KillModule(context.Background(), args[0]); err != nil {
				return fmt.Errorf("kill: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[0])
			return nil
		},
	}
}
