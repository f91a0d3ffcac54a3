package tasks_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/reports"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tasks"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

func (f *fixture) handlerWorker(t *testing.T) *tasks.Worker {
	t.Helper()
	entities, err := tenant.NewRegistry(tenant.EntityType{Name: "sales", Table: "sales", FilterField: "office_id"})
	require.NoError(t, err)
	functions, err := queries.NewRegistry(append(queries.Builtins(), queries.Definition{
		Key: "test.numbers",
		Func: func(context.Context, *queries.Environment) (any, error) {
			return []any{1, 2, 3}, nil
		},
	})...)
	require.NoError(t, err)
	processors, err := formatters.NewRegistry(formatters.Builtins()...)
	require.NoError(t, err)

	store := storage.NewMemory()
	tracker := &errortracking.Recorder{}
	engine := queries.NewEngine(f.repos, store, warehouse.NewMemory(100), entities, functions, tracker, f.events, f.logger)
	pipeline := reports.NewPipeline(f.repos, engine, store, processors, tracker, f.events, f.logger)

	cfg := tasks.DefaultWorkerConfig()
	cfg.ConsumerName = "test"
	cfg.TrapSignals = false
	return tasks.NewWorker(f.broker, f.markers, f.locker, f.dlq, map[string]tasks.Handler{
		tasks.KindQuery:  tasks.QueryHandler(f.repos, engine),
		tasks.KindReport: tasks.ReportHandler(f.repos, pipeline, f.locker),
	}, f.events, cfg, f.logger)
}

func (f *fixture) numbersQuery(t *testing.T) *models.Query {
	t.Helper()
	q := &models.Query{Name: "numbers", Target: "sales", Code: "test.numbers"}
	require.NoError(t, f.repos.Queries.Create(context.Background(), q))
	return q
}

func TestQueryHandler_RunsMatrix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.numbersQuery(t)

	_, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	_, err = f.handlerWorker(t).Poll(ctx)
	require.NoError(t, err)

	q = f.reload(t, q)
	state, err := f.manager.Status(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSuccess, state)
	assert.NotNil(t, q.LastRun)

	datasets, err := f.repos.Datasets.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, 3, datasets[0].Size)
}

func TestQueryHandler_RejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.numbersQuery(t)

	taskID, err := f.manager.Queue(ctx, q, nil)
	require.NoError(t, err)
	q = f.reload(t, q)
	q.Description = "edited after queueing"
	require.NoError(t, f.repos.Queries.Update(ctx, q))

	_, err = f.handlerWorker(t).Poll(ctx)
	require.NoError(t, err)

	res, err := f.broker.Result(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateFailure, res.State)
	assert.Contains(t, res.Error, "was modified")
	assert.Equal(t, int64(0), f.pendingAcks(t))

	datasets, err := f.repos.Datasets.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, datasets)
}

func TestReportHandler_RunsQueryAndRenders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.numbersQuery(t)

	formatter := &models.Formatter{Name: "json", Processor: "json"}
	require.NoError(t, f.repos.Formatters.Create(ctx, formatter))
	report := &models.Report{Name: "numbers", Title: "Numbers", QueryID: q.ID, FormatterIDs: []uuid.UUID{formatter.ID}}
	require.NoError(t, f.repos.Reports.Create(ctx, report))

	manager := tasks.NewManager(tasks.KindReport, f.broker, f.markers, f.locker, f.repos.Reports, nil, f.logger)
	_, err := manager.Queue(ctx, report, map[string]any{tasks.OptionRunQuery: true})
	require.NoError(t, err)
	_, err = f.handlerWorker(t).Poll(ctx)
	require.NoError(t, err)

	report, err = f.repos.Reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	state, err := manager.Status(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSuccess, state)

	docs, err := f.repos.Documents.ListByReport(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "application/json", docs[0].ContentType)
}
