package tenant_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

var (
	offices   = tenant.EntityType{Name: "offices", Table: "offices", FilterField: "office_id"}
	countries = tenant.EntityType{Name: "countries", Table: "countries", FilterField: tenant.AllTenants}
	secrets   = tenant.EntityType{Name: "secrets", Table: "secrets", FilterField: tenant.NoTenants}
)

func TestScopeFilter(t *testing.T) {
	kenya := &tenant.Tenant{ID: uuid.New(), Slug: "kenya", Name: "Kenya"}

	t.Run("unscoped never filters", func(t *testing.T) {
		f, err := tenant.ScopeFilter(tenant.Unscoped(), offices)
		require.NoError(t, err)
		assert.Nil(t, f.Predicate)
		assert.False(t, f.Empty)
	})

	t.Run("scoped entity filters by tenant", func(t *testing.T) {
		f, err := tenant.ScopeFilter(tenant.For(kenya), offices)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"office_id": kenya.ID}, f.Predicate)
	})

	t.Run("global entity is visible", func(t *testing.T) {
		f, err := tenant.ScopeFilter(tenant.For(kenya), countries)
		require.NoError(t, err)
		assert.Nil(t, f.Predicate)
		assert.False(t, f.Empty)
	})

	t.Run("unreachable entity is empty", func(t *testing.T) {
		f, err := tenant.ScopeFilter(tenant.For(kenya), secrets)
		require.NoError(t, err)
		assert.True(t, f.Empty)
	})

	t.Run("missing tenant is fatal", func(t *testing.T) {
		_, err := tenant.ScopeFilter(tenant.Scope{MustScope: true}, offices)
		require.Error(t, err)
		assert.True(t, ferrors.IsInvalidTenant(err))
	})
}

func TestNewRegistry(t *testing.T) {
	r, err := tenant.NewRegistry(offices, countries)
	require.NoError(t, err)
	assert.Equal(t, []string{"countries", "offices"}, r.Names())

	got, ok := r.Get("offices")
	require.True(t, ok)
	assert.Equal(t, "office_id", got.FilterField)

	_, err = tenant.NewRegistry(offices, offices)
	assert.Error(t, err)

	_, err = tenant.NewRegistry(tenant.EntityType{Name: "x", Table: "x"})
	assert.Error(t, err)
}
