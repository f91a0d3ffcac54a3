package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

// Transactor runs fn in one relational transaction. Repository calls made
// with the context passed to fn join it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunSummary is the bookkeeping written after a query or report run. It
// does not change the entity version.
type RunSummary struct {
	LastRun       *time.Time
	ErrorMessage  *string
	ErrorSentryID *string
}

type QueryRepo interface {
	Create(ctx context.Context, query *models.Query) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Query, error)
	GetByName(ctx context.Context, name string) (*models.Query, error)
	List(ctx context.Context, scope tenant.Scope) ([]models.Query, error)
	// Update saves query if its version is current and increments it.
	Update(ctx context.Context, query *models.Query) error
	// SetTaskID stores taskID when version is current.
	SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error
	UpdateSummary(ctx context.Context, id uuid.UUID, summary RunSummary) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ParametrizerRepo interface {
	Create(ctx context.Context, parametrizer *models.Parametrizer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Parametrizer, error)
	GetByCode(ctx context.Context, code string) (*models.Parametrizer, error)
	List(ctx context.Context) ([]models.Parametrizer, error)
	// SetValue replaces the value, including on system parametrizers.
	SetValue(ctx context.Context, id uuid.UUID, value json.RawMessage) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type DatasetRepo interface {
	// Upsert inserts or refreshes the dataset keyed by (query, hash) and
	// reports whether a row was created.
	Upsert(ctx context.Context, dataset *models.Dataset) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dataset, error)
	GetByHash(ctx context.Context, queryID uuid.UUID, hash string) (*models.Dataset, error)
	ListByQuery(ctx context.Context, queryID uuid.UUID) ([]models.Dataset, error)
	// DeleteExcept removes the datasets of queryID whose id is not in keep,
	// together with their report documents, and returns them.
	DeleteExcept(ctx context.Context, queryID uuid.UUID, keep []uuid.UUID) ([]models.Dataset, error)
}

type FormatterRepo interface {
	Create(ctx context.Context, formatter *models.Formatter) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Formatter, error)
	GetByName(ctx context.Context, name string) (*models.Formatter, error)
	List(ctx context.Context) ([]models.Formatter, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Formatter, error)
}

type ReportRepo interface {
	Create(ctx context.Context, report *models.Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Report, error)
	GetByName(ctx context.Context, name string) (*models.Report, error)
	List(ctx context.Context, scope tenant.Scope) ([]models.Report, error)
	ListActive(ctx context.Context) ([]models.Report, error)
	Update(ctx context.Context, report *models.Report) error
	SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error
	UpdateSummary(ctx context.Context, id uuid.UUID, summary RunSummary) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ReportDocumentRepo interface {
	// Upsert inserts or replaces the document keyed by (report, dataset,
	// formatter).
	Upsert(ctx context.Context, document *models.ReportDocument) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReportDocument, error)
	Get(ctx context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error)
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]models.ReportDocument, error)
	// DeleteByKey removes the document for the triple and returns it, or nil
	// when there was none.
	DeleteByKey(ctx context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error)
}

// Repositories bundles every repository behind one transactor.
type Repositories struct {
	Transactor
	Queries       QueryRepo
	Parametrizers ParametrizerRepo
	Datasets      DatasetRepo
	Formatters    FormatterRepo
	Reports       ReportRepo
	Documents     ReportDocumentRepo
}
