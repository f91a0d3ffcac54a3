package tasks

import (
	"context"
	"fmt"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/reports"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// Task options understood by the handlers.
const (
	OptionUseExisting = "use_existing"
	OptionRunQuery    = "run_query"
)

// QueryHandler runs the argument matrix of the task's query. The query must
// still be at the version it had when the task was queued.
func QueryHandler(repos *repositories.Repositories, engine *queries.Engine) Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) error {
		id, err := task.EntityID()
		if err != nil {
			return err
		}
		query, err := repos.Queries.GetByID(ctx, id)
		if repositories.IsNotFound(err) {
			return ferrors.NewValidationError("entity_id", "query %s does not exist", id)
		}
		if err != nil {
			return err
		}
		if query.Version != task.Message.Version {
			return &ferrors.RecordModifiedError{Entity: "query", ID: id, Expected: task.Message.Version, Actual: query.Version}
		}
		scope, err := task.Scope()
		if err != nil {
			return err
		}
		_, err = engine.ExecuteMatrix(ctx, query, queries.MatrixOptions{
			UseExisting: task.Option(OptionUseExisting),
			Scope:       scope,
			Task:        task,
		})
		return err
	})
}

// ReportHandler renders the task's report, first running its query when
// the task asks for it. The query run holds the query's entity lock so it
// never overlaps a query task for the same query.
func ReportHandler(repos *repositories.Repositories, pipeline *reports.Pipeline, locker *redis.Locker) Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) error {
		id, err := task.EntityID()
		if err != nil {
			return err
		}
		report, err := repos.Reports.GetByID(ctx, id)
		if repositories.IsNotFound(err) {
			return ferrors.NewValidationError("entity_id", "report %s does not exist", id)
		}
		if err != nil {
			return err
		}
		if report.Version != task.Message.Version {
			return &ferrors.RecordModifiedError{Entity: "report", ID: id, Expected: task.Message.Version, Actual: report.Version}
		}
		scope, err := task.Scope()
		if err != nil {
			return err
		}
		opts := reports.ExecuteOptions{
			RunQuery: task.Option(OptionRunQuery),
			Scope:    scope,
			Task:     task,
		}
		if !opts.RunQuery || locker == nil {
			_, err = pipeline.Execute(ctx, report, opts)
			return err
		}
		return locker.WithLock(ctx, fmt.Sprintf("%s:%s", KindQuery, report.QueryID), redis.DefaultLockTTL, func() error {
			_, err := pipeline.Execute(ctx, report, opts)
			return err
		})
	})
}
