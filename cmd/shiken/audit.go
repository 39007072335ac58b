package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken"
	"github.com/ashita-ai/shiken/internal/audit"
	"github.com/ashita-ai/shiken/internal/storage"
)

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect workflow audit trails"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "verify <workflow-id>",
			Short: "Re-hash every audit entry of a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withAuditLog(cmd.Context(), args[0], func(ctx context.Context, log *audit.Log, id uuid.UUID) error {
					v, err := log.VerifyWorkflow(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), v)
				})
			},
		},
		&cobra.Command{
			Use:   "list <workflow-id>",
			Short: "Print a workflow's audit entries in append order",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withAuditLog(cmd.Context(), args[0], func(ctx context.Context, log *audit.Log, id uuid.UUID) error {
					entries, err := log.List(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), entries)
				})
			},
		},
	)
	return cmd
}

func (c *cli) withAuditLog(ctx context.Context, rawID string, fn func(context.Context, *audit.Log, uuid.UUID) error) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid workflow id %q: %w", rawID, err)
	}
	return c.withStore(ctx, func(store storage.Store) error {
		return fn(ctx, audit.New(store), id)
	})
}

func (c *cli) withStore(ctx context.Context, fn func(storage.Store) error) error {
	store, _, err := shiken.OpenStore(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer store.Close(context.WithoutCancel(ctx))
	return fn(store)
}
