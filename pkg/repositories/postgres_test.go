package repositories_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTestRepos connects to a migrated database; the tests are skipped
// unless DB_HOST is set.
func getTestRepos(t *testing.T) *repositories.Repositories {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		t.Skip("DB_HOST not set")
	}

	dsn := "host=" + dbHost +
		" user=" + envOr("DB_USER_NAME", "user") +
		" password=" + envOr("DB_PASSWORD", "password") +
		" dbname=" + envOr("DB_NAME", "fern") +
		" sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	return repositories.NewPostgres(database.NewDatabaseInstance(db, getTestLogger()), getTestLogger())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

func createQuery(t *testing.T, repos *repositories.Repositories, tenantID *uuid.UUID) *models.Query {
	t.Helper()
	q := &models.Query{
		Name:     "query-" + uuid.NewString(),
		TenantID: tenantID,
		Target:   "sales",
		Code:     "static.values",
		Active:   true,
	}
	require.NoError(t, repos.Queries.Create(context.Background(), q))
	t.Cleanup(func() { _ = repos.Queries.Delete(context.Background(), q.ID) })
	return q
}

func TestQueryRepository_CRUD(t *testing.T) {
	repos := getTestRepos(t)
	ctx := context.Background()

	tenantID := uuid.New()
	q := createQuery(t, repos, &tenantID)
	assert.Equal(t, 1, q.Version)

	t.Run("get by name", func(t *testing.T) {
		got, err := repos.Queries.GetByName(ctx, q.Name)
		require.NoError(t, err)
		assert.Equal(t, q.ID, got.ID)
		assert.Equal(t, tenantID, *got.TenantID)
	})

	t.Run("update increments version", func(t *testing.T) {
		stale := *q
		q.Description = "updated"
		require.NoError(t, repos.Queries.Update(ctx, q))
		assert.Equal(t, 2, q.Version)

		err := repos.Queries.Update(ctx, &stale)
		var modified *ferrors.RecordModifiedError
		require.True(t, errors.As(err, &modified))
		assert.Equal(t, 2, modified.Actual)
	})

	t.Run("task id is version guarded", func(t *testing.T) {
		taskID := uuid.NewString()
		require.NoError(t, repos.Queries.SetTaskID(ctx, q.ID, q.Version, &taskID))
		assert.True(t, ferrors.IsRecordModified(repos.Queries.SetTaskID(ctx, q.ID, q.Version-1, &taskID)))

		got, err := repos.Queries.GetByID(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, taskID, got.CurrentTaskID())
		assert.Equal(t, q.Version, got.Version)
	})

	t.Run("list is tenant scoped", func(t *testing.T) {
		other := tenant.For(&tenant.Tenant{ID: uuid.New(), Slug: "other"})
		queries, err := repos.Queries.List(ctx, other)
		require.NoError(t, err)
		for _, got := range queries {
			assert.NotEqual(t, q.ID, got.ID)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := repos.Queries.GetByID(ctx, uuid.New())
		assertNotFound(t, err)
	})
}

func TestDatasetRepository_UpsertAndPrune(t *testing.T) {
	repos := getTestRepos(t)
	ctx := context.Background()
	q := createQuery(t, repos, nil)

	first := &models.Dataset{QueryID: q.ID, Hash: "h1", LastRun: time.Now().UTC(), Size: 1}
	created, err := repos.Datasets.Upsert(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	again := &models.Dataset{QueryID: q.ID, Hash: "h1", LastRun: time.Now().UTC(), Size: 3}
	created, err = repos.Datasets.Upsert(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	second := &models.Dataset{QueryID: q.ID, Hash: "h2", LastRun: time.Now().UTC()}
	_, err = repos.Datasets.Upsert(ctx, second)
	require.NoError(t, err)

	pruned, err := repos.Datasets.DeleteExcept(ctx, q.ID, []uuid.UUID{first.ID})
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, second.ID, pruned[0].ID)

	datasets, err := repos.Datasets.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, 3, datasets[0].Size)
}

func TestReportRepository_Formatters(t *testing.T) {
	repos := getTestRepos(t)
	ctx := context.Background()
	q := createQuery(t, repos, nil)

	formatter := &models.Formatter{Name: "json-" + uuid.NewString(), Processor: "json"}
	require.NoError(t, repos.Formatters.Create(ctx, formatter))

	every := "1h"
	report := &models.Report{
		Name:         "report-" + uuid.NewString(),
		Title:        "Sales {{ region }}",
		QueryID:      q.ID,
		Active:       true,
		Every:        &every,
		Recipients:   database.NewJSONB([]string{"ops@example.com"}),
		Context:      database.NewJSONB(map[string]any{}),
		FormatterIDs: []uuid.UUID{formatter.ID},
	}
	require.NoError(t, repos.Reports.Create(ctx, report))

	got, err := repos.Reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{formatter.ID}, got.FormatterIDs)
	assert.Equal(t, []string{"ops@example.com"}, got.Recipients.Data)

	got.FormatterIDs = nil
	require.NoError(t, repos.Reports.Update(ctx, got))
	got, err = repos.Reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FormatterIDs)
	assert.Equal(t, 2, got.Version)

	active, err := repos.Reports.ListActive(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range active {
		found = found || r.ID == report.ID
	}
	assert.True(t, found)
}

func TestParametrizerRepository_KeepsKeyOrder(t *testing.T) {
	repos := getTestRepos(t)
	ctx := context.Background()

	p := &models.Parametrizer{
		Code:  "p-" + uuid.NewString(),
		Value: database.NewJSONB(json.RawMessage(`{"z":[1],"a":[2]}`)),
	}
	require.NoError(t, repos.Parametrizers.Create(ctx, p))
	t.Cleanup(func() { _ = repos.Parametrizers.Delete(ctx, p.ID) })

	got, err := repos.Parametrizers.GetByCode(ctx, p.Code)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":[1],"a":[2]}`, string(got.Value.Data))
	assert.Less(t, strings.Index(string(got.Value.Data), `"z"`), strings.Index(string(got.Value.Data), `"a"`))
}

