package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/reports"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

func newReportCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List, render and schedule reports",
	}
	cmd.AddCommand(
		newReportListCommand(flags),
		newReportRunCommand(flags),
		newReportQueueCommand(flags),
		newReportStatusCommand(flags),
		newReportCancelCommand(flags),
		newReportDocumentsCommand(flags),
		newReportDownloadCommand(flags),
	)
	return cmd
}

func loadReport(ctx context.Context, a *app, name string, action permissions.Action) (*models.Report, error) {
	report, err := a.repos.Reports.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := permissions.Require(ctx, a.checker, action, report); err != nil {
		return nil, err
	}
	return report, nil
}

func newReportListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the reports visible to the principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				scope, err := flags.scope()
				if err != nil {
					return err
				}
				list, err := a.repos.Reports.List(ctx, scope)
				if err != nil {
					return err
				}
				principal := appctx.GetPrincipal(ctx)
				t := newTable(cmd.OutOrStdout(), "name", "title", "every", "active", "protected", "last run", "error", "task")
				for i := range list {
					r := &list[i]
					if !a.checker.HasPermission(ctx, principal, permissions.ActionView, r) {
						continue
					}
					errMsg := nullValue
					if r.ErrorMessage != nil {
						errMsg = truncate(*r.ErrorMessage, 60)
					}
					t.AppendRow([]any{r.Name, truncate(r.Title, 40), cell(r.Every), r.Active, r.Protect, cell(r.LastRun), errMsg, cell(r.TaskID)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newReportRunCommand(flags *globalFlags) *cobra.Command {
	var runQuery bool
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Render a report in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				scope, err := flags.scope()
				if err != nil {
					return err
				}
				report, err := loadReport(ctx, a, args[0], permissions.ActionRun)
				if err != nil {
					return err
				}
				opts := reports.ExecuteOptions{RunQuery: runQuery, Scope: scope}

				var results []reports.Result
				execute := func() error {
					results, err = a.pipeline.Execute(ctx, report, opts)
					return err
				}
				if runQuery {
					err = a.locker.WithLock(ctx, fmt.Sprintf("%s:%s", tasks.KindQuery, report.QueryID), redis.DefaultLockTTL, execute)
				} else {
					err = execute()
				}
				if errors.Is(err, reports.ErrNoDatasetAvailable) {
					fmt.Fprintln(cmd.OutOrStdout(), "no dataset available; run the query first or pass --run-query")
					return nil
				}
				if err != nil {
					return err
				}

				t := newTable(cmd.OutOrStdout(), "dataset", "formatter", "document", "size", "error", "tracking id")
				for _, res := range results {
					if res.Failed() {
						t.AppendRow([]any{res.DatasetID, res.FormatterID, nullValue, nullValue, truncate(res.Error, 60), res.TrackingID})
						continue
					}
					t.AppendRow([]any{res.DatasetID, res.FormatterID, res.DocumentID, res.Size, nullValue, nullValue})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&runQuery, "run-query", false, "refresh the report's query before rendering")
	return cmd
}

func newReportQueueCommand(flags *globalFlags) *cobra.Command {
	var runQuery bool
	cmd := &cobra.Command{
		Use:   "queue <name>",
		Short: "Queue a background render of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				report, err := loadReport(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				taskID, err := a.reportTasks.Queue(ctx, report, map[string]any{tasks.OptionRunQuery: runQuery})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), taskID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&runQuery, "run-query", false, "refresh the report's query before rendering")
	return cmd
}

func newReportStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Print the state of a report's background task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				report, err := loadReport(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				state, err := a.reportTasks.Status(ctx, report)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func newReportCancelCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name>",
		Short: "Cancel a report's queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				report, err := loadReport(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				state, err := a.reportTasks.Terminate(ctx, report)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func newReportDocumentsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "documents <name>",
		Short: "List the rendered documents of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				report, err := loadReport(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				docs, err := a.repos.Documents.ListByReport(ctx, report.ID)
				if err != nil {
					return err
				}
				t := newTable(cmd.OutOrStdout(), "id", "title", "filename", "type", "size", "arguments", "updated")
				for _, doc := range docs {
					t.AppendRow([]any{doc.ID, truncate(doc.Title, 40), doc.Filename, doc.ContentType, doc.Size, cell(doc.Arguments.Data), cell(doc.UpdatedAt)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newReportDownloadCommand(flags *globalFlags) *cobra.Command {
	var (
		dir     string
		extract bool
	)
	cmd := &cobra.Command{
		Use:   "download <name> <document-id>",
		Short: "Write a rendered document to a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, false, func(ctx context.Context, a *app) error {
				report, err := loadReport(ctx, a, args[0], permissions.ActionView)
				if err != nil {
					return err
				}
				docs, err := a.repos.Documents.ListByReport(ctx, report.ID)
				if err != nil {
					return err
				}
				for i := range docs {
					doc := &docs[i]
					if doc.ID.String() != args[1] {
						continue
					}
					data, err := a.pipeline.Open(ctx, doc)
					if err != nil {
						return err
					}
					name := filepath.Base(doc.Filename)
					if extract && doc.ContentType == reports.ArchiveContentType {
						name = strings.TrimSuffix(name, ".zip")
						if data, err = reports.Extract(data, name, report.Password); err != nil {
							return err
						}
					}
					path := filepath.Join(dir, name)
					if err := os.WriteFile(path, data, 0o644); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), path)
					return nil
				}
				return fmt.Errorf("report %s has no document %s", report.Name, args[1])
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "output", "o", ".", "directory to write the document to")
	cmd.Flags().BoolVar(&extract, "extract", false, "unpack archived documents, decrypting protected ones")
	return cmd
}
