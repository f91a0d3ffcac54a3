package reports_test

import (
	"context"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/reports"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

type fixture struct {
	pipeline *reports.Pipeline
	repos    *repositories.Repositories
	store    *storage.Memory
	tracker  *errortracking.Recorder
	events   *kafka.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repos:   memory.New(),
		store:   storage.NewMemory(),
		tracker: &errortracking.Recorder{},
		events:  &kafka.Recorder{},
	}
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

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine := queries.NewEngine(f.repos, f.store, warehouse.NewMemory(100), entities, functions, f.tracker, f.events, logger)
	f.pipeline = reports.NewPipeline(f.repos, engine, f.store, processors, f.tracker, f.events, logger)
	return f
}

func (f *fixture) report(t *testing.T, configure func(*models.Report), formatters ...*models.Formatter) *models.Report {
	t.Helper()
	ctx := context.Background()
	q := &models.Query{Name: "q-" + uuid.NewString()[:8], Target: "sales", Code: "test.numbers", Active: true}
	require.NoError(t, f.repos.Queries.Create(ctx, q))

	r := &models.Report{Name: "monthly", Title: "Numbers for {{ report.name }}", QueryID: q.ID, Active: true}
	for _, fm := range formatters {
		require.NoError(t, f.repos.Formatters.Create(ctx, fm))
		r.FormatterIDs = append(r.FormatterIDs, fm.ID)
	}
	if configure != nil {
		configure(r)
	}
	require.NoError(t, f.repos.Reports.Create(ctx, r))
	return r
}

func (f *fixture) document(t *testing.T, res reports.Result) (*models.ReportDocument, []byte) {
	t.Helper()
	ctx := context.Background()
	doc, err := f.repos.Documents.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	data, err := f.pipeline.Open(ctx, doc)
	require.NoError(t, err)
	return doc, data
}

func TestExecute_RendersJSON(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, nil, &models.Formatter{Name: "json", Processor: "json"})

	results, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Failed())

	doc, data := f.document(t, results[0])
	assert.Equal(t, "application/json", doc.ContentType)
	assert.Equal(t, "Numbers for monthly", doc.Title)
	assert.Equal(t, reports.EntryName(r.ID, doc.DatasetID, doc.FormatterID, "json"), doc.Filename)
	assert.True(t, strings.HasPrefix(doc.Output, queries.DocumentPrefix(doc.DatasetID)))
	assert.JSONEq(t, "[1,2,3]", string(data))
	assert.Equal(t, len(data), results[0].Size)

	stored, err := f.repos.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRun)
	assert.Nil(t, stored.ErrorMessage)
	assert.Contains(t, f.events.Types(), kafka.EventReportRendered)
	assert.Contains(t, f.events.Types(), kafka.EventQueryExecuted)
}

func TestExecute_ProtectedArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, func(r *models.Report) {
		r.Compress, r.Protect, r.Password = true, true, "p"
	}, &models.Formatter{Name: "json", Processor: "json"})

	results, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	require.Len(t, results, 1)

	doc, data := f.document(t, results[0])
	entry := reports.EntryName(r.ID, doc.DatasetID, doc.FormatterID, "json")
	assert.Equal(t, "application/zip", doc.ContentType)
	assert.Equal(t, entry+".zip", doc.Filename)
	assert.True(t, doc.Info.Data.Encrypted)
	assert.NotContains(t, string(data), "[1,2,3]")

	plain, err := reports.Extract(data, entry, "p")
	require.NoError(t, err)
	assert.JSONEq(t, "[1,2,3]", string(plain))

	_, err = reports.Extract(data, entry, "wrong")
	assert.Error(t, err)
}

func TestExecute_ProtectedWithoutPassword(t *testing.T) {
	f := newFixture(t)
	r := f.report(t, func(r *models.Report) { r.Protect = true }, &models.Formatter{Name: "json", Processor: "json"})

	_, err := f.pipeline.Execute(context.Background(), r, reports.ExecuteOptions{RunQuery: true})
	assert.True(t, ferrors.IsValidationError(err))
}

func TestExecute_NoDatasetAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, nil, &models.Formatter{Name: "json", Processor: "json"})

	_, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{})
	require.ErrorIs(t, err, reports.ErrNoDatasetAvailable)
	assert.False(t, ferrors.IsRetryable(err))

	stored, err := f.repos.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "no dataset")
	assert.Contains(t, f.events.Types(), kafka.EventReportFailed)
}

func TestExecute_FailingPairDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, nil,
		&models.Formatter{Name: "a-json", Processor: "json"},
		&models.Formatter{Name: "b-broken", Processor: "text", Code: "{{ .rows "},
	)

	results, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.NotEmpty(t, results[1].TrackingID)
	assert.Equal(t, 1, f.tracker.Len())

	docs, err := f.repos.Documents.ListByReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	blobs, err := f.store.List(ctx, "documents/")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	stored, err := f.repos.Reports.GetByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "1 of 2 documents failed to render", *stored.ErrorMessage)
}

func TestExecute_RerunReplacesDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, nil, &models.Formatter{Name: "csv", Processor: "csv"})

	first, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	second, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, first[0].DocumentID, second[0].DocumentID)

	blobs, err := f.store.List(ctx, "documents/")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestContext_TitleFallsBackToRaw(t *testing.T) {
	f := newFixture(t)
	r := &models.Report{ID: uuid.New(), Name: "monthly", Title: "{{ office }} in {{ year }}"}
	ds := &models.Dataset{ID: uuid.New()}
	ds.Arguments.Data = map[string]any{"year": 2024}

	rctx := f.pipeline.Context(r, ds, &models.Formatter{ID: uuid.New(), Name: "json", Processor: "json"})
	assert.Equal(t, "{{ office }} in {{ year }}", rctx.Title)

	ds.Arguments.Data["office"] = "ke"
	rctx = f.pipeline.Context(r, ds, &models.Formatter{ID: uuid.New(), Name: "json", Processor: "json"})
	assert.Equal(t, "ke in 2024", rctx.Title)
}

func TestExecute_UnreadableTemplateFailsOnlyItsPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	missing := "templates/missing.docx"
	r := f.report(t, nil,
		&models.Formatter{Name: "a-json", Processor: "json"},
		&models.Formatter{Name: "b-docx", Processor: "docx", TemplateKey: &missing},
	)

	results, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Failed())
	_, data := f.document(t, results[0])
	assert.JSONEq(t, "[1,2,3]", string(data))

	assert.True(t, results[1].Failed())
	assert.Contains(t, results[1].Error, "b-docx")
	assert.NotEmpty(t, results[1].TrackingID)
	assert.Len(t, f.tracker.Events, 1)
}

func TestExecute_UnreadableDatasetBecomesResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.report(t, nil, &models.Formatter{Name: "json", Processor: "json"})

	_, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{RunQuery: true})
	require.NoError(t, err)
	datasets, err := f.repos.Datasets.ListByQuery(ctx, r.QueryID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	require.NoError(t, f.store.Delete(ctx, datasets[0].Value))

	results, err := f.pipeline.Execute(ctx, r, reports.ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Contains(t, results[0].Error, "failed to load dataset")
	assert.NotEmpty(t, results[0].TrackingID)

	docs, err := f.repos.Documents.ListByReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
