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

const reportDocumentsTable = "report_documents"

var reportDocumentStruct = database.NewStruct(new(models.ReportDocument))

type ReportDocumentRepository struct {
	*Repository
}

func (r *ReportDocumentRepository) Upsert(ctx context.Context, doc *models.ReportDocument) error {
	ctx, span := tracing.StartSpan(ctx, "ReportDocumentRepository.Upsert")
	defer span.End()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(reportDocumentsTable).
		Cols("id", "report_id", "dataset_id", "formatter_id", "title", "filename", "content_type",
			"output", "size", "arguments", "info", "created_at", "updated_at").
		Values(doc.ID, doc.ReportID, doc.DatasetID, doc.FormatterID, doc.Title, doc.Filename, doc.ContentType,
			doc.Output, doc.Size, doc.Arguments, doc.Info, database.Now(), database.Now())
	ib.SQL(`
ON CONFLICT (report_id, dataset_id, formatter_id)
DO UPDATE SET
  title = EXCLUDED.title,
  filename = EXCLUDED.filename,
  content_type = EXCLUDED.content_type,
  output = EXCLUDED.output,
  size = EXCLUDED.size,
  arguments = EXCLUDED.arguments,
  info = EXCLUDED.info,
  updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at`)

	sqlStr, args := ib.Build()
	err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"report_id":    doc.ReportID,
			"dataset_id":   doc.DatasetID,
			"formatter_id": doc.FormatterID,
		}).Error("failed to upsert report document")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert report document")
	}
	return nil
}

func (r *ReportDocumentRepository) getOne(ctx context.Context, sb *database.SelectBuilder) (*models.ReportDocument, error) {
	sqlStr, args := sb.Build()
	var doc models.ReportDocument
	err := r.Conn(ctx).GetContext(ctx, &doc, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("report document does not exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get report document")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get report document")
	}
	return &doc, nil
}

func (r *ReportDocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReportDocument, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportDocumentRepository.GetByID")
	defer span.End()

	sb := reportDocumentStruct.SelectFrom(reportDocumentsTable)
	sb.Where(sb.Equal("id", id))
	return r.getOne(ctx, sb)
}

func (r *ReportDocumentRepository) Get(ctx context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportDocumentRepository.Get")
	defer span.End()

	sb := reportDocumentStruct.SelectFrom(reportDocumentsTable)
	sb.Where(
		sb.Equal("report_id", reportID),
		sb.Equal("dataset_id", datasetID),
		sb.Equal("formatter_id", formatterID),
	)
	return r.getOne(ctx, sb)
}

func (r *ReportDocumentRepository) ListByReport(ctx context.Context, reportID uuid.UUID) ([]models.ReportDocument, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportDocumentRepository.ListByReport")
	defer span.End()

	sb := reportDocumentStruct.SelectFrom(reportDocumentsTable)
	sb.Where(sb.Equal("report_id", reportID))
	sb.OrderBy("created_at", "id")

	sqlStr, args := sb.Build()
	docs := []models.ReportDocument{}
	if err := r.Conn(ctx).SelectContext(ctx, &docs, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", reportID).Error("failed to list report documents")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list report documents")
	}
	return docs, nil
}

func (r *ReportDocumentRepository) DeleteByKey(ctx context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportDocumentRepository.DeleteByKey")
	defer span.End()

	doc, err := r.Get(ctx, reportID, datasetID, formatterID)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(reportDocumentsTable).Where(db.Equal("id", doc.ID))
	sqlStr, args := db.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("document_id", doc.ID).Error("failed to delete report document")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete report document")
	}
	return doc, nil
}
