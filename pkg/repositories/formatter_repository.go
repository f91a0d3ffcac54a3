package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const formattersTable = "formatters"

var formatterStruct = database.NewStruct(new(models.Formatter))

type FormatterRepository struct {
	*Repository
}

func (r *FormatterRepository) Create(ctx context.Context, formatter *models.Formatter) error {
	ctx, span := tracing.StartSpan(ctx, "FormatterRepository.Create")
	defer span.End()

	if formatter.ID == uuid.Nil {
		formatter.ID = uuid.New()
	}
	if formatter.Mode == "" {
		formatter.Mode = models.RenderModeList
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(formattersTable).
		Cols("id", "name", "processor", "mode", "code", "template_key", "created_at", "updated_at").
		Values(formatter.ID, formatter.Name, formatter.Processor, formatter.Mode, formatter.Code,
			formatter.TemplateKey, database.Now(), database.Now()).
		Returning("created_at", "updated_at")

	sqlStr, args := ib.Build()
	err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).Scan(&formatter.CreatedAt, &formatter.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("name", formatter.Name).Error("failed to create formatter")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create formatter")
	}
	return nil
}

func (r *FormatterRepository) get(ctx context.Context, column string, value any) (*models.Formatter, error) {
	sb := formatterStruct.SelectFrom(formattersTable)
	sb.Where(sb.Equal(column, value))

	sqlStr, args := sb.Build()
	var formatter models.Formatter
	err := r.Conn(ctx).GetContext(ctx, &formatter, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("formatter %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField(column, value).Error("failed to get formatter")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get formatter")
	}
	return &formatter, nil
}

func (r *FormatterRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Formatter, error) {
	ctx, span := tracing.StartSpan(ctx, "FormatterRepository.GetByID")
	defer span.End()
	return r.get(ctx, "id", id)
}

func (r *FormatterRepository) GetByName(ctx context.Context, name string) (*models.Formatter, error) {
	ctx, span := tracing.StartSpan(ctx, "FormatterRepository.GetByName")
	defer span.End()
	return r.get(ctx, "name", name)
}

func (r *FormatterRepository) List(ctx context.Context) ([]models.Formatter, error) {
	ctx, span := tracing.StartSpan(ctx, "FormatterRepository.List")
	defer span.End()

	sb := formatterStruct.SelectFrom(formattersTable)
	sb.OrderBy("name")
	return r.list(ctx, sb)
}

// ListByIDs returns the formatters among ids, ordered by name. Unknown ids
// are skipped.
func (r *FormatterRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Formatter, error) {
	ctx, span := tracing.StartSpan(ctx, "FormatterRepository.ListByIDs")
	defer span.End()

	if len(ids) == 0 {
		return []models.Formatter{}, nil
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}

	sb := formatterStruct.SelectFrom(formattersTable)
	sb.Where(sb.In("id", values...))
	sb.OrderBy("name")
	return r.list(ctx, sb)
}

func (r *FormatterRepository) list(ctx context.Context, sb *database.SelectBuilder) ([]models.Formatter, error) {
	sqlStr, args := sb.Build()
	out := []models.Formatter{}
	if err := r.Conn(ctx).SelectContext(ctx, &out, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list formatters")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list formatters")
	}
	return out, nil
}
