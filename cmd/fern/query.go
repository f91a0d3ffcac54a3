package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

func newQueryCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List, run and schedule queries",
	}
	cmd.AddCommand(
		newQueryListCommand(flags),
		newQueryRunCommand(flags),
		newQueryMatrixCommand(flags),
		newQueryQueueCommand(flags),
		newQueryStatusCommand(flags),
		newQueryCancelCommand(flags),
	)
	return cmd
}

func loadQuery(ctx context.Context, a *app, name string, action permissions.Action) (*models.Query, error) {
	query, err := a.repos.Queries.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := permissions.Require(ctx, a.checker, action, query); err != nil {
		return nil, err
	}
	return query, nil
}

func newQueryListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the queries visible to the principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				scope, err := flags.scope()
				if err != nil {
					return err
				}
				list, err := a.repos.Queries.List(ctx, scope)
				if err != nil {
					return err
				}
				principal := appctx.GetPrincipal(ctx)
				t := newTable(cmd.OutOrStdout(), "name", "target", "code", "active", "last run", "error", "task")
				for i := range list {
					q := &list[i]
					if !a.checker.HasPermission(ctx, principal, permissions.ActionView, q) {
						continue
					}
					errMsg := nullValue
					if q.ErrorMessage != nil {
						errMsg = truncate(*q.ErrorMessage, 60)
					}
					t.AppendRow([]any{q.Name, q.Target, q.Code, q.Active, cell(q.LastRun), errMsg, cell(q.TaskID)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newQueryRunCommand(flags *globalFlags) *cobra.Command {
	var (
		persist     bool
		useExisting bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "run <name> [key=value...]",
		Short: "Run a query once with the given arguments and print the dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseArguments(args[1:])
			if err != nil {
				return err
			}
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				scope, err := flags.scope()
				if err != nil {
					return err
				}
				query, err := loadQuery(ctx, a, args[0], permissions.ActionRun)
				if err != nil {
					return err
				}
				res, err := a.engine.Execute(ctx, query, arguments, queries.ExecuteOptions{
					Persist:     persist,
					UseExisting: useExisting,
					Preview:     !persist,
					Scope:       scope,
				})
				if err != nil {
					return err
				}
				data := res.Table
				if data == nil {
					if data, err = a.engine.Load(ctx, res.Dataset); err != nil {
						return err
					}
				}
				writeDataset(cmd.OutOrStdout(), data, limit)
				if res.Dataset != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "dataset %s (hash %s, cache hit %t)\n", res.Dataset.ID, res.Dataset.Hash, res.CacheHit)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "store the result as the cached dataset for these arguments")
	cmd.Flags().BoolVar(&useExisting, "use-existing", false, "return the cached dataset when there is one")
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to print, 0 for all")
	return cmd
}

func newQueryMatrixCommand(flags *globalFlags) *cobra.Command {
	var useExisting bool
	cmd := &cobra.Command{
		Use:   "matrix <name>",
		Short: "Run a query for every argument set of its parametrizer, in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				scope, err := flags.scope()
				if err != nil {
					return err
				}
				query, err := loadQuery(ctx, a, args[0], permissions.ActionRun)
				if err != nil {
					return err
				}
				var results map[string]uuid.UUID
				key := fmt.Sprintf("%s:%s", tasks.KindQuery, query.ID)
				err = a.locker.WithLock(ctx, key, redis.DefaultLockTTL, func() error {
					var err error
					results, err = a.engine.ExecuteMatrix(ctx, query, queries.MatrixOptions{
						UseExisting: useExisting,
						Scope:       scope,
					})
					return err
				})
				if err != nil {
					return err
				}
				hashes := make([]string, 0, len(results))
				for hash := range results {
					hashes = append(hashes, hash)
				}
				sort.Strings(hashes)
				t := newTable(cmd.OutOrStdout(), "hash", "dataset")
				for _, hash := range hashes {
					t.AppendRow([]any{hash, results[hash].String()})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&useExisting, "use-existing", false, "keep cached datasets instead of re-running them")
	return cmd
}

func newQueryQueueCommand(flags *globalFlags) *cobra.Command {
	var useExisting bool
	cmd := &cobra.Command{
		Use:   "queue <name>",
		Short: "Queue a background run of a query's matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				query, err := loadQuery(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				taskID, err := a.queryTasks.Queue(ctx, query, map[string]any{tasks.OptionUseExisting: useExisting})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), taskID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&useExisting, "use-existing", false, "keep cached datasets instead of re-running them")
	return cmd
}

func newQueryStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Print the state of a query's background task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				query, err := loadQuery(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				state, err := a.queryTasks.Status(ctx, query)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func newQueryCancelCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name>",
		Short: "Cancel a query's queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				query, err := loadQuery(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				state, err := a.queryTasks.Terminate(ctx, query)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}
