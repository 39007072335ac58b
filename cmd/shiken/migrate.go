package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := shiken.OpenStore(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			store.Close(cmd.Context())
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", store.Driver())
			return err
		},
	}
}
