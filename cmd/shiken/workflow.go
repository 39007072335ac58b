package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken"
	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/reward"
	"github.com/ashita-ai/shiken/internal/storage"
)

// cliActor attributes CLI-started workflows in the audit trail.
const cliActor = "cli"

func (c *cli) workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Start and inspect workflows"}
	cmd.AddCommand(c.workflowStartCmd(), c.workflowGetCmd(), c.workflowListCmd(), c.workflowMetricsCmd(), c.workflowRecoverCmd())
	return cmd
}

// workflowStartCmd runs a workflow in this process and waits for it to
// finish. Interrupting cancels the running stage and records the failure.
func (c *cli) workflowStartCmd() *cobra.Command {
	var (
		in                                    model.TriggerInput
		ticketKey, project, assignee, summary string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a workflow to completion and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.TicketKey = optional(ticketKey)
			in.ProjectKey = optional(project)
			in.Assignee = optional(assignee)
			in.Summary = optional(summary)
			in.Actor = cliActor

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return c.withStore(ctx, func(store storage.Store) error {
				engine := shiken.NewEngine(c.cfg, store, broadcast.NewHub(c.logger), c.logger)
				id, err := engine.Start(ctx, in)
				if err != nil {
					return err
				}
				c.logger.Info("workflow started", "workflow_id", id)
				drainErr := engine.Drain(ctx)

				wf, err := engine.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), wf); err != nil {
					return err
				}
				if drainErr != nil {
					return fmt.Errorf("workflow %s interrupted: %w", id, drainErr)
				}
				if wf.Status == model.WorkflowFailed {
					return fmt.Errorf("workflow %s failed", id)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.CodeRef.PullRequestURL, "pr", "", "pull request URL")
	f.StringVar(&in.CodeRef.Repository, "repo", "", "repository (owner/name) when no pull request is given")
	f.StringVar(&in.CodeRef.Branch, "branch", "", "branch to test with --repo")
	f.StringVar(&ticketKey, "ticket", "", "existing tracker issue to attach results to")
	f.StringVar(&project, "project", "", "tracker project for the created ticket")
	f.StringVar(&assignee, "assignee", "", "ticket assignee")
	f.StringVar(&summary, "summary", "", "ticket summary")
	f.StringVar(&in.ModelVersion, "model", "", "model version recorded with rewards")
	cmd.MarkFlagsOneRequired("pr", "repo")
	cmd.MarkFlagsRequiredTogether("repo", "branch")
	return cmd
}

func (c *cli) workflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Print one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id %q: %w", args[0], err)
			}
			return c.withStore(cmd.Context(), func(store storage.Store) error {
				wf, err := store.GetWorkflow(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("workflow %s: %w", id, err)
				}
				return printJSON(cmd.OutOrStdout(), wf)
			})
		},
	}
}

func (c *cli) workflowListCmd() *cobra.Command {
	var (
		status   string
		rewarded bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := listFilter(status, rewarded, limit)
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(store storage.Store) error {
				wfs, err := store.ListWorkflows(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), wfs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, completed or failed")
	cmd.Flags().BoolVar(&rewarded, "rewarded", false, "only workflows with at least one reward snapshot")
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultListLimit, "maximum number of workflows")
	return cmd
}

// workflowRecoverCmd fails running workflows left behind by a crashed
// server. serve does the same at startup.
func (c *cli) workflowRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail running workflows with no recent transition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(store storage.Store) error {
				engine := shiken.NewEngine(c.cfg, store, nil, c.logger)
				n, err := engine.Recover(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale workflow(s)\n", n)
				return err
			})
		},
	}
}

func (c *cli) workflowMetricsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print aggregate reward metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(store storage.Store) error {
				wfs, err := store.ListWorkflows(cmd.Context(), storage.WorkflowFilter{RewardedOnly: true, Limit: limit})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), reward.Summarize(wfs))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "number of most recent scored workflows")
	return cmd
}

func listFilter(status string, rewarded bool, limit int) (storage.WorkflowFilter, error) {
	f := storage.WorkflowFilter{RewardedOnly: rewarded, Limit: limit}
	if status == "" {
		return f, nil
	}
	s := model.WorkflowStatus(status)
	switch s {
	case model.WorkflowPending, model.WorkflowRunning, model.WorkflowCompleted, model.WorkflowFailed:
		f.Status = &s
		return f, nil
	default:
		return f, fmt.Errorf("unknown status %q", status)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
