package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/tasks"
)

func newTasksCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and maintain the task queue",
	}
	cmd.AddCommand(
		newTasksPurgeCommand(flags),
		newTasksReconcileCommand(flags),
		newTasksDeadLettersCommand(flags),
	)
	return cmd
}

func newTasksPurgeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop every queued task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				n, err := a.broker.PurgeAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d tasks\n", n)
				return nil
			})
		},
	}
}

func newTasksReconcileCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drop revoked markers of tasks that are no longer queued",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				n, err := tasks.Reconcile(ctx, a.broker, a.markers, a.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d markers\n", n)
				return nil
			})
		},
	}
}

func newTasksDeadLettersCommand(flags *globalFlags) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List tasks that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				entries, err := a.dlq.List(ctx, count)
				if err != nil {
					return err
				}
				total, err := a.dlq.Count(ctx)
				if err != nil {
					return err
				}
				t := newTable(cmd.OutOrStdout(), "id", "kind", "entity", "reason", "retries", "error", "at")
				for _, e := range entries {
					t.AppendRow([]any{e.ID, e.Kind, e.EntityID, e.Reason, e.RetryCount, truncate(e.ErrorMessage, 60), cell(e.CreatedAt)})
				}
				t.Render()
				fmt.Fprintf(cmd.OutOrStdout(), "%d dead letters\n", total)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "entries to list")
	return cmd
}
