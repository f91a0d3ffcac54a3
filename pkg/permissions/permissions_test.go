package permissions_test

import (
	"context"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
)

func TestDefault(t *testing.T) {
	ctx := context.Background()
	checker := permissions.Default{Superusers: []string{"root"}}
	report := &models.Report{Owner: "ana", Recipients: database.NewJSONB([]string{"ben"})}

	assert.True(t, checker.HasPermission(ctx, "ana", permissions.ActionRun, report))
	assert.True(t, checker.HasPermission(ctx, "root", permissions.ActionDelete, report))
	assert.True(t, checker.HasPermission(ctx, permissions.System, permissions.ActionRun, report))
	assert.True(t, checker.HasPermission(ctx, "ben", permissions.ActionView, report))
	assert.False(t, checker.HasPermission(ctx, "ben", permissions.ActionRun, report))
	assert.False(t, checker.HasPermission(ctx, "eve", permissions.ActionView, report))
	assert.False(t, checker.HasPermission(ctx, "", permissions.ActionView, report))

	query := &models.Query{}
	assert.False(t, checker.HasPermission(ctx, "ana", permissions.ActionRun, query))
}

func TestRequire(t *testing.T) {
	query := &models.Query{Owner: "ana"}
	checker := permissions.Default{}

	ctx := appctx.SetPrincipal(context.Background(), "ana")
	assert.NoError(t, permissions.Require(ctx, checker, permissions.ActionRun, query))

	ctx = appctx.SetPrincipal(context.Background(), "eve")
	err := permissions.Require(ctx, checker, permissions.ActionRun, query)
	assert.Equal(t, 403, httperror.GetStatusCode(err))

	assert.NoError(t, permissions.Require(ctx, nil, permissions.ActionRun, query))
}
