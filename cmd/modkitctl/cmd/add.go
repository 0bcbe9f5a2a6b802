package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>",
		Short: "Add a module (github:owner/name[#tag] or local:/path) to this session's registry",
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

			rec, err := a.reg.Add(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("add: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s@%s)\n", rec.Path, rec.Name, rec.Version)
			return nil
		},
	}
}
