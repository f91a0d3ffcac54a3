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

const (
	reportsTable          = "reports"
	reportFormattersTable = "report_formatters"
)

var reportStruct = database.NewStruct(new(models.Report))

// ReportRepository handles reports and their formatter bindings.
type ReportRepository struct {
	*Repository
}

func (r *ReportRepository) Create(ctx context.Context, report *models.Report) error {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.Create")
	defer span.End()

	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.Version == 0 {
		report.Version = 1
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		ib := database.NewInsertBuilder()
		ib.InsertInto(reportsTable).
			Cols("id", "name", "title", "query_id", "tenant_id", "owner", "recipients", "context",
				"compress", "protect", "password", "active", "every", "valid_from", "valid_until",
				"version", "created_at", "updated_at").
			Values(report.ID, report.Name, report.Title, report.QueryID, report.TenantID, report.Owner,
				report.Recipients, report.Context, report.Compress, report.Protect, report.Password,
				report.Active, report.Every, report.ValidFrom, report.ValidUntil, report.Version,
				database.Now(), database.Now()).
			Returning("created_at", "updated_at")

		sqlStr, args := ib.Build()
		err := r.Conn(ctx).QueryRowxContext(ctx, sqlStr, args...).Scan(&report.CreatedAt, &report.UpdatedAt)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("name", report.Name).Error("failed to create report")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create report")
		}
		return r.saveFormatters(ctx, report.ID, report.FormatterIDs)
	})
}

// saveFormatters replaces the formatter bindings of reportID.
func (r *ReportRepository) saveFormatters(ctx context.Context, reportID uuid.UUID, formatterIDs []uuid.UUID) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(reportFormattersTable).Where(db.Equal("report_id", reportID))
	sqlStr, args := db.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", reportID).Error("failed to clear report formatters")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save report formatters")
	}
	if len(formatterIDs) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(reportFormattersTable).Cols("report_id", "formatter_id")
	for _, id := range formatterIDs {
		ib.Values(reportID, id)
	}
	ib.OnConflictDoNothing()

	sqlStr, args = ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", reportID).Error("failed to save report formatters")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save report formatters")
	}
	return nil
}

func (r *ReportRepository) loadFormatters(ctx context.Context, reports []models.Report) error {
	if len(reports) == 0 {
		return nil
	}
	ids := make([]any, len(reports))
	index := make(map[uuid.UUID]int, len(reports))
	for i := range reports {
		ids[i] = reports[i].ID
		index[reports[i].ID] = i
		reports[i].FormatterIDs = []uuid.UUID{}
	}

	sb := database.NewSelectBuilder()
	sb.Select("report_id", "formatter_id").From(reportFormattersTable).
		Where(sb.In("report_id", ids...)).
		OrderBy("report_id", "formatter_id")

	sqlStr, args := sb.Build()
	var rows []struct {
		ReportID    uuid.UUID `db:"report_id"`
		FormatterID uuid.UUID `db:"formatter_id"`
	}
	if err := r.Conn(ctx).SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to load report formatters")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to load report formatters")
	}
	for _, row := range rows {
		i := index[row.ReportID]
		reports[i].FormatterIDs = append(reports[i].FormatterIDs, row.FormatterID)
	}
	return nil
}

func (r *ReportRepository) get(ctx context.Context, column string, value any) (*models.Report, error) {
	sb := reportStruct.SelectFrom(reportsTable)
	sb.Where(sb.Equal(column, value))

	sqlStr, args := sb.Build()
	var report models.Report
	err := r.Conn(ctx).GetContext(ctx, &report, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("report %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField(column, value).Error("failed to get report")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get report")
	}

	reports := []models.Report{report}
	if err := r.loadFormatters(ctx, reports); err != nil {
		return nil, err
	}
	return &reports[0], nil
}

func (r *ReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.GetByID")
	defer span.End()
	return r.get(ctx, "id", id)
}

func (r *ReportRepository) GetByName(ctx context.Context, name string) (*models.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.GetByName")
	defer span.End()
	return r.get(ctx, "name", name)
}

func (r *ReportRepository) List(ctx context.Context, scope tenant.Scope) ([]models.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.List")
	defer span.End()

	sb := reportStruct.SelectFrom(reportsTable)
	if err := whereTenant(sb, scope); err != nil {
		return nil, err
	}
	sb.OrderBy("name")
	return r.list(ctx, sb)
}

// ListActive returns the active reports that have a schedule.
func (r *ReportRepository) ListActive(ctx context.Context) ([]models.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.ListActive")
	defer span.End()

	sb := reportStruct.SelectFrom(reportsTable)
	sb.Where(sb.Equal("active", true), sb.IsNotNull("every"))
	sb.OrderBy("name")
	return r.list(ctx, sb)
}

func (r *ReportRepository) list(ctx context.Context, sb *database.SelectBuilder) ([]models.Report, error) {
	sqlStr, args := sb.Build()
	reports := []models.Report{}
	if err := r.Conn(ctx).SelectContext(ctx, &reports, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list reports")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list reports")
	}
	if err := r.loadFormatters(ctx, reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *ReportRepository) Update(ctx context.Context, report *models.Report) error {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.Update")
	defer span.End()

	err := r.WithTx(ctx, func(ctx context.Context) error {
		ub := database.NewUpdateBuilder()
		ub.Update(reportsTable).Set(
			ub.Assign("name", report.Name),
			ub.Assign("title", report.Title),
			ub.Assign("query_id", report.QueryID),
			ub.Assign("tenant_id", report.TenantID),
			ub.Assign("owner", report.Owner),
			ub.Assign("recipients", report.Recipients),
			ub.Assign("context", report.Context),
			ub.Assign("compress", report.Compress),
			ub.Assign("protect", report.Protect),
			ub.Assign("password", report.Password),
			ub.Assign("active", report.Active),
			ub.Assign("every", report.Every),
			ub.Assign("valid_from", report.ValidFrom),
			ub.Assign("valid_until", report.ValidUntil),
			ub.Assign("version", report.Version+1),
			ub.Assign("updated_at", database.Now()),
		).Where(ub.Equal("id", report.ID), ub.Equal("version", report.Version))

		sqlStr, args := ub.Build()
		res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("report_id", report.ID).Error("failed to update report")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update report")
		}
		if rowsAffected(res) == 0 {
			return r.versionConflict(ctx, reportsTable, "report", report.ID, report.Version)
		}
		return r.saveFormatters(ctx, report.ID, report.FormatterIDs)
	})
	if err != nil {
		return err
	}

	report.Version++
	report.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ReportRepository) SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.SetTaskID")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(reportsTable).Set(
		ub.Assign("task_id", taskID),
	).Where(ub.Equal("id", id), ub.Equal("version", version))

	sqlStr, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", id).Error("failed to set report task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set report task")
	}
	if rowsAffected(res) == 0 {
		return r.versionConflict(ctx, reportsTable, "report", id, version)
	}
	return nil
}

func (r *ReportRepository) UpdateSummary(ctx context.Context, id uuid.UUID, summary RunSummary) error {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.UpdateSummary")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(reportsTable).Set(
		ub.Assign("last_run", summary.LastRun),
		ub.Assign("error_message", summary.ErrorMessage),
	).Where(ub.Equal("id", id))

	sqlStr, args := ub.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", id).Error("failed to update report summary")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update report summary")
	}
	return nil
}

func (r *ReportRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(reportsTable).Where(db.Equal("id", id))

	sqlStr, args := db.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("report_id", id).Error("failed to delete report")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete report")
	}
	if rowsAffected(res) == 0 {
		return NotFound("report %s does not exist", id)
	}
	return nil
}
