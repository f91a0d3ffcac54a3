package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

func copyReport(report models.Report) models.Report {
	report.FormatterIDs = slices.Clone(report.FormatterIDs)
	if report.FormatterIDs == nil {
		report.FormatterIDs = []uuid.UUID{}
	}
	return report
}

type ReportRepository struct {
	s *Store
}

func (r *ReportRepository) Create(ctx context.Context, report *models.Report) error {
	return r.s.write(ctx, func(t *tables) error {
		for _, existing := range t.reports {
			if existing.Name == report.Name {
				return conflict("report", "name", report.Name)
			}
		}
		if report.ID == uuid.Nil {
			report.ID = uuid.New()
		}
		if report.Version == 0 {
			report.Version = 1
		}
		now := time.Now().UTC()
		report.CreatedAt, report.UpdatedAt = now, now
		t.reports[report.ID] = copyReport(*report)
		return nil
	})
}

func (r *ReportRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Report, error) {
	var out models.Report
	err := r.s.read(func(t *tables) error {
		report, ok := t.reports[id]
		if !ok {
			return notFound("report", id)
		}
		out = copyReport(report)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *ReportRepository) GetByName(_ context.Context, name string) (*models.Report, error) {
	var out *models.Report
	err := r.s.read(func(t *tables) error {
		for _, report := range t.reports {
			if report.Name == name {
				c := copyReport(report)
				out = &c
				return nil
			}
		}
		return notFound("report", name)
	})
	return out, err
}

func (r *ReportRepository) List(_ context.Context, scope tenant.Scope) ([]models.Report, error) {
	out := []models.Report{}
	err := r.s.read(func(t *tables) error {
		for _, report := range t.reports {
			ok, err := visible(scope, report.TenantID)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, copyReport(report))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ReportRepository) ListActive(_ context.Context) ([]models.Report, error) {
	out := []models.Report{}
	_ = r.s.read(func(t *tables) error {
		for _, report := range t.reports {
			if report.Active && report.Every != nil {
				out = append(out, copyReport(report))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ReportRepository) Update(ctx context.Context, report *models.Report) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.reports[report.ID]
		if !ok {
			return notFound("report", report.ID)
		}
		if stored.Version != report.Version {
			return &ferrors.RecordModifiedError{Entity: "report", ID: report.ID, Expected: report.Version, Actual: stored.Version}
		}
		next := copyReport(*report)
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		next.TaskID, next.LastRun, next.ErrorMessage = stored.TaskID, stored.LastRun, stored.ErrorMessage
		next.CreatedAt = stored.CreatedAt
		t.reports[report.ID] = next

		report.Version, report.UpdatedAt = next.Version, next.UpdatedAt
		return nil
	})
}

func (r *ReportRepository) SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.reports[id]
		if !ok {
			return notFound("report", id)
		}
		if stored.Version != version {
			return &ferrors.RecordModifiedError{Entity: "report", ID: id, Expected: version, Actual: stored.Version}
		}
		stored.TaskID = taskID
		t.reports[id] = stored
		return nil
	})
}

func (r *ReportRepository) UpdateSummary(ctx context.Context, id uuid.UUID, summary repositories.RunSummary) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.reports[id]
		if !ok {
			return nil
		}
		stored.LastRun = summary.LastRun
		stored.ErrorMessage = summary.ErrorMessage
		t.reports[id] = stored
		return nil
	})
}

func (r *ReportRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(t *tables) error {
		if _, ok := t.reports[id]; !ok {
			return notFound("report", id)
		}
		delete(t.reports, id)
		t.deleteDocumentsWhere(func(doc models.ReportDocument) bool { return doc.ReportID == id })
		return nil
	})
}

type ReportDocumentRepository struct {
	s *Store
}

func (r *ReportDocumentRepository) Upsert(ctx context.Context, doc *models.ReportDocument) error {
	return r.s.write(ctx, func(t *tables) error {
		if _, ok := t.datasets[doc.DatasetID]; !ok {
			return notFound("dataset", doc.DatasetID)
		}
		if _, ok := t.reports[doc.ReportID]; !ok {
			return notFound("report", doc.ReportID)
		}
		now := time.Now().UTC()
		for id, existing := range t.documents {
			if sameKey(existing, doc.ReportID, doc.DatasetID, doc.FormatterID) {
				doc.ID, doc.CreatedAt, doc.UpdatedAt = id, existing.CreatedAt, now
				t.documents[id] = *doc
				return nil
			}
		}
		if doc.ID == uuid.Nil {
			doc.ID = uuid.New()
		}
		doc.CreatedAt, doc.UpdatedAt = now, now
		t.documents[doc.ID] = *doc
		return nil
	})
}

func sameKey(doc models.ReportDocument, reportID, datasetID, formatterID uuid.UUID) bool {
	return doc.ReportID == reportID && doc.DatasetID == datasetID && doc.FormatterID == formatterID
}

func (r *ReportDocumentRepository) GetByID(_ context.Context, id uuid.UUID) (*models.ReportDocument, error) {
	var out *models.ReportDocument
	err := r.s.read(func(t *tables) error {
		doc, ok := t.documents[id]
		if !ok {
			return notFound("report document", id)
		}
		out = &doc
		return nil
	})
	return out, err
}

func (r *ReportDocumentRepository) Get(_ context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error) {
	var out *models.ReportDocument
	err := r.s.read(func(t *tables) error {
		for _, doc := range t.documents {
			if sameKey(doc, reportID, datasetID, formatterID) {
				out = &doc
				return nil
			}
		}
		return repositories.NotFound("report document does not exist")
	})
	return out, err
}

func (r *ReportDocumentRepository) ListByReport(_ context.Context, reportID uuid.UUID) ([]models.ReportDocument, error) {
	out := []models.ReportDocument{}
	_ = r.s.read(func(t *tables) error {
		for _, doc := range t.documents {
			if doc.ReportID == reportID {
				out = append(out, doc)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *ReportDocumentRepository) DeleteByKey(ctx context.Context, reportID, datasetID, formatterID uuid.UUID) (*models.ReportDocument, error) {
	var out *models.ReportDocument
	err := r.s.write(ctx, func(t *tables) error {
		for id, doc := range t.documents {
			if sameKey(doc, reportID, datasetID, formatterID) {
				delete(t.documents, id)
				out = &doc
				return nil
			}
		}
		return nil
	})
	return out, err
}
