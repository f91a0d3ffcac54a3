package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const parametrizersTable = "parametrizers"

var parametrizerStruct = database.NewStruct(new(models.Parametrizer))

type ParametrizerRepository struct {
	*Repository
}

func (r *ParametrizerRepository) Create(ctx context.Context, p *models.Parametrizer) error {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.Create")
	defer span.End()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(parametrizersTable).
		Cols("id", "code", "name", "value", "system", "source_query_id", "created_at", "updated_at").
		Values(p.ID, p.Code, p.Name, p.Value, p.System, p.SourceQueryID, database.Now(), database.Now()).
		Returning("created_at", "updated_at")

	sqlStr, args := ib.Build()
	if err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("code", p.Code).Error("failed to create parametrizer")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create parametrizer")
	}
	return nil
}

func (r *ParametrizerRepository) get(ctx context.Context, column string, value any) (*models.Parametrizer, error) {
	sb := parametrizerStruct.SelectFrom(parametrizersTable)
	sb.Where(sb.Equal(column, value))

	sqlStr, args := sb.Build()
	var p models.Parametrizer
	err := r.Conn(ctx).GetContext(ctx, &p, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("parametrizer %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField(column, value).Error("failed to get parametrizer")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get parametrizer")
	}
	return &p, nil
}

func (r *ParametrizerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Parametrizer, error) {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.GetByID")
	defer span.End()
	return r.get(ctx, "id", id)
}

func (r *ParametrizerRepository) GetByCode(ctx context.Context, code string) (*models.Parametrizer, error) {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.GetByCode")
	defer span.End()
	return r.get(ctx, "code", code)
}

func (r *ParametrizerRepository) List(ctx context.Context) ([]models.Parametrizer, error) {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.List")
	defer span.End()

	sb := parametrizerStruct.SelectFrom(parametrizersTable)
	sb.OrderBy("code")

	sqlStr, args := sb.Build()
	out := []models.Parametrizer{}
	if err := r.Conn(ctx).SelectContext(ctx, &out, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list parametrizers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list parametrizers")
	}
	return out, nil
}

func (r *ParametrizerRepository) SetValue(ctx context.Context, id uuid.UUID, value json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.SetValue")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(parametrizersTable).Set(
		ub.Assign("value", database.NewJSONB(value)),
		ub.Assign("updated_at", database.Now()),
	).Where(ub.Equal("id", id))

	sqlStr, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("parametrizer_id", id).Error("failed to set parametrizer value")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set parametrizer value")
	}
	if rowsAffected(res) == 0 {
		return NotFound("parametrizer %s does not exist", id)
	}
	return nil
}

func (r *ParametrizerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ParametrizerRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(parametrizersTable).Where(db.Equal("id", id), db.Equal("system", false))

	sqlStr, args := db.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("parametrizer_id", id).Error("failed to delete parametrizer")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete parametrizer")
	}
	if rowsAffected(res) == 0 {
		return NotFound("parametrizer %s does not exist or is a system parametrizer", id)
	}
	return nil
}
