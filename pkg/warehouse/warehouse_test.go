package warehouse_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

var (
	beneficiaries = tenant.EntityType{Name: "beneficiaries", Table: "beneficiaries", FilterField: "office_id"}
	countries     = tenant.EntityType{Name: "countries", Table: "countries", FilterField: tenant.AllTenants}
	hidden        = tenant.EntityType{Name: "hidden", Table: "hidden", FilterField: tenant.NoTenants}
)

func seed(kenya, uganda uuid.UUID) *warehouse.Memory {
	mem := warehouse.NewMemory(100)
	mem.Load("beneficiaries", []map[string]any{
		{"id": 1, "name": "b", "office_id": kenya},
		{"id": 2, "name": "a", "office_id": kenya},
		{"id": 3, "name": "c", "office_id": uganda},
	})
	mem.Load("countries", []map[string]any{{"iso": "KE"}, {"iso": "UG"}})
	mem.Load("hidden", []map[string]any{{"x": 1}})
	return mem
}

func TestScoped(t *testing.T) {
	ctx := context.Background()
	kenya := &tenant.Tenant{ID: uuid.New(), Slug: "kenya"}
	mem := seed(kenya.ID, uuid.New())

	scoped := warehouse.Scoped(mem, tenant.For(kenya))

	src, err := scoped.Source(ctx, beneficiaries)
	require.NoError(t, err)
	rows, err := src.OrderBy("name").Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["name"])

	src, err = scoped.Source(ctx, countries)
	require.NoError(t, err)
	count, err := src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	src, err = scoped.Source(ctx, hidden)
	require.NoError(t, err)
	rows, err = src.Rows(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = warehouse.Scoped(mem, tenant.Scope{MustScope: true}).Source(ctx, beneficiaries)
	assert.True(t, ferrors.IsInvalidTenant(err))
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	mem := seed(uuid.New(), uuid.New())

	src, err := mem.Source(ctx, beneficiaries)
	require.NoError(t, err)

	rows, err := src.OrderBy("-id").Limit(2).Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0]["id"])

	rows, err = src.Filter(map[string]any{"id": []int{1, 3}}).Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = src.OrderBy("name; drop").Rows(ctx)
	assert.Error(t, err)
}

func TestSampleSizeBoundsRows(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory(2)
	mem.Load("countries", []map[string]any{{"iso": "KE"}, {"iso": "UG"}, {"iso": "TZ"}})

	src, err := mem.Source(ctx, countries)
	require.NoError(t, err)

	rows, err := src.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	count, err := src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestScopedFilterCannotWidenTenant(t *testing.T) {
	ctx := context.Background()
	kenya := &tenant.Tenant{ID: uuid.New(), Slug: "kenya"}
	uganda := uuid.New()
	mem := seed(kenya.ID, uganda)

	src, err := warehouse.Scoped(mem, tenant.For(kenya)).Source(ctx, beneficiaries)
	require.NoError(t, err)

	rows, err := src.Filter(map[string]any{"office_id": uganda}).Rows(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
