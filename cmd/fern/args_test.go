package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

func TestParseArguments(t *testing.T) {
	args, err := parseArguments([]string{"office=nairobi", "year=2024", "open=true", "ids=[1,2]", "note=a=b"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"office": "nairobi",
		"year":   float64(2024),
		"open":   true,
		"ids":    []any{float64(1), float64(2)},
		"note":   "a=b",
	}, args)
}

func TestParseArgumentsRejectsBarewords(t *testing.T) {
	_, err := parseArguments([]string{"office"})

	var verr *ferrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGlobalFlagsScope(t *testing.T) {
	scope, err := (&globalFlags{}).scope()
	require.NoError(t, err)
	assert.False(t, scope.MustScope)

	scope, err = (&globalFlags{tenantID: "5f0c8a52-43a8-4d5c-a7c1-55b6f3c8e0a1"}).scope()
	require.NoError(t, err)
	assert.True(t, scope.MustScope)
	assert.Equal(t, "5f0c8a52-43a8-4d5c-a7c1-55b6f3c8e0a1", scope.Tenant.ID.String())

	_, err = (&globalFlags{tenantID: "kenya"}).scope()
	assert.Error(t, err)
}
