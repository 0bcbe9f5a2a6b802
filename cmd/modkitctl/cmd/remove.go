package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove a module's registry record",
		Long: `remove deletes the registry record for path. Per spec.md's open question
on ordering, this does not kill a running module first — callers that
need that are responsible for calling kill before remove.`,
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

			if err := a.reg.Remove(context.Background(), args[0]); err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
