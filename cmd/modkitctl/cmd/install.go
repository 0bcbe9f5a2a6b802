package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modsup/identifier"
)

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <path>",
		Short: "Fetch/extract a module (and its own dependencies) without running it",
		Args:  cobra.ExactArgs(1),
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
			rec, err := a.reg.GetByPath(ctx, args[0])
			if err != nil {
				return fmt.Errorf("install: %w", err)
			}

			id, err := identifier.Parse(rec.Path)
			if err != nil {
				return fmt.Errorf("install: %w", err)
			}

			if err := a.installer.Install(ctx, id); err != nil {
				return fmt.Errorf("install: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", rec.Path)
			return nil
		},
	}
}
