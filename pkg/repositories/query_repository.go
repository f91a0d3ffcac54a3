package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const queriesTable = "queries"

var queryStruct = database.NewStruct(new(models.Query))

// QueryRepository handles database operations for queries
type QueryRepository struct {
	*Repository
}

func (r *QueryRepository) Create(ctx context.Context, query *models.Query) error {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.Create")
	defer span.End()

	if query.ID == uuid.Nil {
		query.ID = uuid.New()
	}
	if query.Version == 0 {
		query.Version = 1
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(queriesTable).
		Cols("id", "name", "description", "tenant_id", "owner", "target", "code",
			"parametrizer_id", "active", "version", "created_at", "updated_at").
		Values(query.ID, query.Name, query.Description, query.TenantID, query.Owner, query.Target, query.Code,
			query.ParametrizerID, query.Active, query.Version, database.Now(), database.Now()).
		Returning("created_at", "updated_at")

	sqlStr, args := ib.Build()
	err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).Scan(&query.CreatedAt, &query.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"query_id": query.ID,
			"name":     query.Name,
		}).Error("failed to create query")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create query")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"query_id": query.ID,
	}).Debugf("Created %s", queriesTable)
	return nil
}

func (r *QueryRepository) get(ctx context.Context, column string, value any) (*models.Query, error) {
	sb := queryStruct.SelectFrom(queriesTable)
	sb.Where(sb.Equal(column, value))

	sqlStr, args := sb.Build()
	var query models.Query
	err := r.Conn(ctx).GetContext(ctx, &query, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("query %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField(column, value).Error("failed to get query")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get query")
	}
	return &query, nil
}

func (r *QueryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Query, error) {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.GetByID")
	defer span.End()
	return r.get(ctx, "id", id)
}

func (r *QueryRepository) GetByName(ctx context.Context, name string) (*models.Query, error) {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.GetByName")
	defer span.End()
	return r.get(ctx, "name", name)
}

func (r *QueryRepository) List(ctx context.Context, scope tenant.Scope) ([]models.Query, error) {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.List")
	defer span.End()

	sb := queryStruct.SelectFrom(queriesTable)
	if err := whereTenant(sb, scope); err != nil {
		return nil, err
	}
	sb.OrderBy("name")

	sqlStr, args := sb.Build()
	queries := []models.Query{}
	if err := r.Conn(ctx).SelectContext(ctx, &queries, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list queries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list queries")
	}
	return queries, nil
}

func (r *QueryRepository) Update(ctx context.Context, query *models.Query) error {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(queriesTable).Set(
		ub.Assign("name", query.Name),
		ub.Assign("description", query.Description),
		ub.Assign("tenant_id", query.TenantID),
		ub.Assign("owner", query.Owner),
		ub.Assign("target", query.Target),
		ub.Assign("code", query.Code),
		ub.Assign("parametrizer_id", query.ParametrizerID),
		ub.Assign("active", query.Active),
		ub.Assign("version", query.Version+1),
		ub.Assign("updated_at", database.Now()),
	).Where(ub.Equal("id", query.ID), ub.Equal("version", query.Version))

	sqlStr, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", query.ID).Error("failed to update query")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update query")
	}
	if rowsAffected(res) == 0 {
		return r.versionConflict(ctx, queriesTable, "query", query.ID, query.Version)
	}

	query.Version++
	query.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *QueryRepository) SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.SetTaskID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(queriesTable).Set(
		ub.Assign("task_id", taskID),
	).Where(ub.Equal("id", id), ub.Equal("version", version))

	sqlStr, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", id).Error("failed to set query task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set query task")
	}
	if rowsAffected(res) == 0 {
		return r.versionConflict(ctx, queriesTable, "query", id, version)
	}
	return nil
}

func (r *QueryRepository) UpdateSummary(ctx context.Context, id uuid.UUID, summary RunSummary) error {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.UpdateSummary")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(queriesTable).Set(
		ub.Assign("last_run", summary.LastRun),
		ub.Assign("error_message", summary.ErrorMessage),
		ub.Assign("error_sentry_id", summary.ErrorSentryID),
	).Where(ub.Equal("id", id))

	sqlStr, args := ub.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", id).Error("failed to update query summary")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update query summary")
	}
	return nil
}

func (r *QueryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "QueryRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(queriesTable).Where(db.Equal("id", id))

	sqlStr, args := db.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", id).Error("failed to delete query")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete query")
	}
	if rowsAffected(res) == 0 {
		return NotFound("query %s does not exist", id)
	}
	return nil
}
