package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every module added to this session's registry",
		Args:  cobra.NoArgs,
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

			views, err := a.reg.List(context.Background())
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			for _, v := range views {
				status := "stopped"
				if v.Running {
					status = "running"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s %-10s %s\n", status, v.Name, v.Version, v.Path)
			}
			return nil
		},
	}
}
