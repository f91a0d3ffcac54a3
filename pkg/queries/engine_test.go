package queries_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/errortracking"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queries"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

var sales = tenant.EntityType{Name: "sales", Table: "sales", FilterField: "office_id"}

type harness struct {
	engine    *queries.Engine
	repos     *repositories.Repositories
	store     *storage.Memory
	warehouse *warehouse.Memory
	tracker   *errortracking.Recorder
	events    *kafka.Recorder
	calls     atomic.Int32
}

func newHarness(t *testing.T, extra ...queries.Definition) *harness {
	t.Helper()
	h := &harness{
		repos:     memory.New(),
		store:     storage.NewMemory(),
		warehouse: warehouse.NewMemory(100),
		tracker:   &errortracking.Recorder{},
		events:    &kafka.Recorder{},
	}
	entities, err := tenant.NewRegistry(sales)
	require.NoError(t, err)

	defs := append(queries.Builtins(),
		queries.Definition{
			Key: "test.counter",
			Func: func(_ context.Context, env *queries.Environment) (any, error) {
				n := h.calls.Add(1)
				env.Debug("called", map[string]any{"n": n})
				return []any{int64(n)}, nil
			},
		},
		queries.Definition{
			Key: "test.fail_on_two",
			Func: func(_ context.Context, env *queries.Environment) (any, error) {
				if fmt.Sprint(env.Args["x"]) == "2" {
					return nil, errors.New("x must not be 2")
				}
				return []any{env.Args["x"]}, nil
			},
		},
	)
	functions, err := queries.NewRegistry(append(defs, extra...)...)
	require.NoError(t, err)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	h.engine = queries.NewEngine(h.repos, h.store, h.warehouse, entities, functions, h.tracker, h.events, logger)
	return h
}

func (h *harness) query(t *testing.T, code string, p *models.Parametrizer) *models.Query {
	t.Helper()
	ctx := context.Background()
	q := &models.Query{Name: "q-" + uuid.NewString()[:8], Target: "sales", Code: code, Active: true}
	if p != nil {
		require.NoError(t, h.repos.Parametrizers.Create(ctx, p))
		q.ParametrizerID = &p.ID
	}
	require.NoError(t, h.repos.Queries.Create(ctx, q))
	return q
}

func parametrizerOf(code, value string) *models.Parametrizer {
	p := &models.Parametrizer{Code: code, Name: code}
	p.Value.Data = []byte(value)
	return p
}

func TestSignature(t *testing.T) {
	id := uuid.New()
	a := queries.Signature(id, map[string]any{"year": 2024, "office": "ke"})
	b := queries.Signature(id, map[string]any{"office": "ke", "year": 2024})

	assert.Equal(t, a, b)
	assert.Len(t, a, queries.SignatureLength)
	assert.NotEqual(t, a, queries.Signature(id, map[string]any{"office": "ug", "year": 2024}))
	assert.NotEqual(t, a, queries.Signature(uuid.New(), map[string]any{"office": "ke", "year": 2024}))
	assert.Equal(t, queries.Signature(id, nil), queries.Signature(id, map[string]any{}))
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := queries.NewRegistry(queries.Builtins()[0], queries.Builtins()[0])
	assert.Error(t, err)

	_, err = queries.NewRegistry(queries.Definition{Key: "empty"})
	assert.Error(t, err)

	r, err := queries.NewRegistry(queries.Builtins()...)
	require.NoError(t, err)
	_, ok := r.Get(queries.StaticValuesFunc)
	assert.True(t, ok)
	assert.Len(t, r.Definitions(), 3)
}

func TestExecute_PersistsScalarList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, queries.StaticValuesFunc, nil)

	res, err := h.engine.Execute(ctx, q, map[string]any{"values": []any{1, 2, 3}}, queries.ExecuteOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 3, res.Dataset.Size)
	assert.Equal(t, "[]interface {}", res.Dataset.Info.Data.Type)
	assert.Contains(t, res.Dataset.Info.Data.Timing, "execution")

	stored, err := h.repos.Datasets.GetByID(ctx, res.Dataset.ID)
	require.NoError(t, err)
	table, err := h.engine.Load(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, table.Headers)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, table.Column(0))
}

func TestExecute_CacheHitSkipsFunction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, "test.counter", nil)
	opts := queries.ExecuteOptions{Persist: true, UseExisting: true}

	first, err := h.engine.Execute(ctx, q, nil, opts)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	require.Len(t, first.Dataset.Info.Data.Debug, 1)

	second, err := h.engine.Execute(ctx, q, nil, opts)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Dataset.ID, second.Dataset.ID)
	assert.Equal(t, int32(1), h.calls.Load())

	// preview never reads the cache
	preview, err := h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{UseExisting: true, Preview: true})
	require.NoError(t, err)
	assert.False(t, preview.CacheHit)
	assert.Equal(t, uuid.Nil, preview.Dataset.ID)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestExecute_RerunReplacesPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, "test.counter", nil)

	first, err := h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{Persist: true})
	require.NoError(t, err)
	second, err := h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{Persist: true})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Dataset.ID, second.Dataset.ID)

	blobs, err := h.store.List(ctx, "datasets/")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, second.Dataset.Value, blobs[0].Key)
}

func TestExecute_UnsupportedResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, queries.Definition{
		Key:  "test.scalar",
		Func: func(context.Context, *queries.Environment) (any, error) { return 42, nil },
	})
	q := h.query(t, "test.scalar", nil)

	_, err := h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{Persist: true})
	require.Error(t, err)
	var unsupported *ferrors.UnsupportedResultType
	assert.True(t, errors.As(err, &unsupported))
	assert.NotEmpty(t, ferrors.TrackingID(err))
}

func TestExecute_TenantScoping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	kenya := &tenant.Tenant{ID: uuid.New(), Slug: "kenya"}
	h.warehouse.Load("sales", []map[string]any{
		{"id": 1, "office_id": kenya.ID, "amount": 10},
		{"id": 2, "office_id": uuid.New(), "amount": 20},
		{"id": 3, "office_id": kenya.ID, "amount": 30},
	})
	q := h.query(t, queries.WarehouseRowsFunc, nil)

	res, err := h.engine.Execute(ctx, q, map[string]any{"_order": "-amount"}, queries.ExecuteOptions{Scope: tenant.For(kenya)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Table.Len())
	assert.Equal(t, 30, res.Table.Record(0)["amount"])

	_, err = h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{Scope: tenant.Scope{MustScope: true}})
	assert.True(t, ferrors.IsInvalidTenant(err))

	count := h.query(t, queries.WarehouseCountFunc, nil)
	res, err = h.engine.Execute(ctx, count, nil, queries.ExecuteOptions{Scope: tenant.Unscoped()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Table.Record(0)["count"])
}

type abortedTask struct{}

func (abortedTask) IsAborted() bool { return true }

func TestExecute_AbortedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, "test.counter", nil)

	_, err := h.engine.Execute(ctx, q, nil, queries.ExecuteOptions{Persist: true, Task: abortedTask{}})
	assert.ErrorIs(t, err, ferrors.ErrQueryRunCanceled)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestExecuteMatrix_FailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, "test.fail_on_two", parametrizerOf("x", `{"x": [1, 2]}`))

	results, err := h.engine.ExecuteMatrix(ctx, q, queries.MatrixOptions{})
	require.Error(t, err)
	assert.Nil(t, results)

	var runErr *ferrors.QueryRunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, q.ID, runErr.QueryID)

	datasets, err := h.repos.Datasets.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, datasets)

	blobs, err := h.store.List(ctx, "datasets/")
	require.NoError(t, err)
	assert.Empty(t, blobs)

	stored, err := h.repos.Queries.GetByID(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "x must not be 2")
	require.NotNil(t, stored.ErrorSentryID)
	assert.Equal(t, runErr.TrackingID, *stored.ErrorSentryID)
	assert.Equal(t, 1, h.tracker.Len())
	assert.Contains(t, h.events.Types(), kafka.EventQueryFailed)
}

func TestExecuteMatrix_PrunesStaleDatasets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := parametrizerOf("x", `{"x": [1, 3]}`)
	q := h.query(t, "test.fail_on_two", p)

	results, err := h.engine.ExecuteMatrix(ctx, q, queries.MatrixOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results, `{"x":1}`)
	assert.Contains(t, results, `{"x":3}`)

	require.NoError(t, h.repos.Parametrizers.SetValue(ctx, p.ID, []byte(`{"x": [1]}`)))
	results, err = h.engine.ExecuteMatrix(ctx, q, queries.MatrixOptions{UseExisting: true})
	require.NoError(t, err)
	require.Len(t, results, 1)

	datasets, err := h.repos.Datasets.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, results[`{"x":1}`], datasets[0].ID)

	blobs, err := h.store.List(ctx, "datasets/")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	stored, err := h.repos.Queries.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRun)
	assert.Nil(t, stored.ErrorMessage)
}

func TestExecuteMatrix_NoParametrizerRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.query(t, "test.counter", nil)

	results, err := h.engine.ExecuteMatrix(ctx, q, queries.MatrixOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "{}")
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestRefreshParametrizer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.warehouse.Load("sales", []map[string]any{
		{"office": "ke"}, {"office": "ug"}, {"office": "ke"},
	})
	source := h.query(t, queries.WarehouseRowsFunc, nil)

	p := parametrizerOf("office", `[]`)
	p.SourceQueryID = &source.ID
	require.NoError(t, h.repos.Parametrizers.Create(ctx, p))

	require.NoError(t, h.engine.Refresh(ctx, p))
	stored, err := h.repos.Parametrizers.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `["ke", "ug"]`, string(stored.Value.Data))

	datasets, err := h.repos.Datasets.ListByQuery(ctx, source.ID)
	require.NoError(t, err)
	assert.Empty(t, datasets)
}
