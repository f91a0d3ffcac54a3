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

const datasetsTable = "datasets"

var datasetStruct = database.NewStruct(new(models.Dataset))

type DatasetRepository struct {
	*Repository
}

func (r *DatasetRepository) Upsert(ctx context.Context, dataset *models.Dataset) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.Upsert")
	defer span.End()

	if dataset.ID == uuid.Nil {
		dataset.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(datasetsTable).
		Cols("id", "query_id", "hash", "last_run", "size", "value", "arguments", "extra", "info",
			"created_at", "updated_at").
		Values(dataset.ID, dataset.QueryID, dataset.Hash, dataset.LastRun, dataset.Size, dataset.Value,
			dataset.Arguments, dataset.Extra, dataset.Info, database.Now(), database.Now())
	ib.SQL(`
ON CONFLICT (query_id, hash)
DO UPDATE SET
  last_run = EXCLUDED.last_run,
  size = EXCLUDED.size,
  value = EXCLUDED.value,
  arguments = EXCLUDED.arguments,
  extra = EXCLUDED.extra,
  info = EXCLUDED.info,
  updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`)

	sqlStr, args := ib.Build()
	var inserted bool
	err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).
		Scan(&dataset.ID, &dataset.CreatedAt, &dataset.UpdatedAt, &inserted)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"query_id": dataset.QueryID,
			"hash":     dataset.Hash,
		}).Error("failed to upsert dataset")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert dataset")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_id": dataset.ID,
		"inserted":   inserted,
	}).Debugf("Upserted %s", datasetsTable)
	return inserted, nil
}

func (r *DatasetRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dataset, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.GetByID")
	defer span.End()

	sb := datasetStruct.SelectFrom(datasetsTable)
	sb.Where(sb.Equal("id", id))
	return r.getOne(ctx, sb, id.String())
}

func (r *DatasetRepository) GetByHash(ctx context.Context, queryID uuid.UUID, hash string) (*models.Dataset, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.GetByHash")
	defer span.End()

	sb := datasetStruct.SelectFrom(datasetsTable)
	sb.Where(sb.Equal("query_id", queryID), sb.Equal("hash", hash))
	return r.getOne(ctx, sb, hash)
}

func (r *DatasetRepository) getOne(ctx context.Context, sb *database.SelectBuilder, ref string) (*models.Dataset, error) {
	sqlStr, args := sb.Build()
	var dataset models.Dataset
	err := r.Conn(ctx).GetContext(ctx, &dataset, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("dataset %s does not exist", ref)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("dataset", ref).Error("failed to get dataset")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dataset")
	}
	return &dataset, nil
}

func (r *DatasetRepository) ListByQuery(ctx context.Context, queryID uuid.UUID) ([]models.Dataset, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.ListByQuery")
	defer span.End()

	sb := datasetStruct.SelectFrom(datasetsTable)
	sb.Where(sb.Equal("query_id", queryID))
	sb.OrderBy("created_at", "id")

	sqlStr, args := sb.Build()
	out := []models.Dataset{}
	if err := r.Conn(ctx).SelectContext(ctx, &out, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", queryID).Error("failed to list datasets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list datasets")
	}
	return out, nil
}

func (r *DatasetRepository) DeleteExcept(ctx context.Context, queryID uuid.UUID, keep []uuid.UUID) ([]models.Dataset, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.DeleteExcept")
	defer span.End()

	kept := make([]any, len(keep))
	for i, id := range keep {
		kept[i] = id
	}

	sb := datasetStruct.SelectFrom(datasetsTable)
	sb.Where(sb.Equal("query_id", queryID))
	if len(kept) > 0 {
		sb.Where(sb.NotIn("id", kept...))
	}
	sqlStr, args := sb.Build()
	stale := []models.Dataset{}
	if err := r.Conn(ctx).SelectContext(ctx, &stale, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", queryID).Error("failed to find stale datasets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to prune datasets")
	}
	if len(stale) == 0 {
		return stale, nil
	}

	ids := make([]any, len(stale))
	for i, ds := range stale {
		ids[i] = ds.ID
	}
	// report_documents.dataset_id cascades
	db := database.NewDeleteBuilder()
	db.DeleteFrom(datasetsTable).Where(db.In("id", ids...))
	sqlStr, args = db.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("query_id", queryID).Error("failed to delete stale datasets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to prune datasets")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"query_id": queryID,
		"pruned":   len(stale),
	}).Debugf("Pruned %s", datasetsTable)
	return stale, nil
}
