package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <path>",
		Short: "Install (if needed) and run a module in the foreground until interrupted",
		Long: `run starts the module and blocks, holding the session's supervisor and
dispatcher state alive for as long as the module runs (the supervisor's
running set exists only for the lifetime of this process). Ctrl+C sends
the module a graceful kill before exiting.`,
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

			ctx := context.Background()
			if err := a.sup.RunModule(ctx, args[0]); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "running %s, press Ctrl+C to stop\n", args[0])

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			fmt.Fprintln(cmd.OutOrStdout(), "stopping...")
			if err := a.sup.KillModule(ctx, args[0]); err != nil {
				return fmt.Errorf("run: kill on shutdown: %w", err)
			}
			return nil
		},
	}
}
