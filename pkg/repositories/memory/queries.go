package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

// visible reports whether an entity owned by tenantID can be seen in scope.
func visible(scope tenant.Scope, tenantID *uuid.UUID) (bool, error) {
	if !scope.MustScope {
		return true, nil
	}
	active, err := scope.Active()
	if err != nil {
		return false, err
	}
	return tenantID == nil || *tenantID == active.ID, nil
}

type QueryRepository struct {
	s *Store
}

func (r *QueryRepository) Create(ctx context.Context, query *models.Query) error {
	return r.s.write(ctx, func(t *tables) error {
		for _, q := range t.queries {
			if q.Name == query.Name {
				return conflict("query", "name", query.Name)
			}
		}
		if query.ID == uuid.Nil {
			query.ID = uuid.New()
		}
		if query.Version == 0 {
			query.Version = 1
		}
		now := time.Now().UTC()
		query.CreatedAt, query.UpdatedAt = now, now
		t.queries[query.ID] = *query
		return nil
	})
}

func (r *QueryRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Query, error) {
	var out models.Query
	err := r.s.read(func(t *tables) error {
		q, ok := t.queries[id]
		if !ok {
			return notFound("query", id)
		}
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *QueryRepository) GetByName(_ context.Context, name string) (*models.Query, error) {
	var out *models.Query
	err := r.s.read(func(t *tables) error {
		for _, q := range t.queries {
			if q.Name == name {
				out = &q
				return nil
			}
		}
		return notFound("query", name)
	})
	return out, err
}

func (r *QueryRepository) List(_ context.Context, scope tenant.Scope) ([]models.Query, error) {
	out := []models.Query{}
	err := r.s.read(func(t *tables) error {
		for _, q := range t.queries {
			ok, err := visible(scope, q.TenantID)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, q)
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

func (r *QueryRepository) Update(ctx context.Context, query *models.Query) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.queries[query.ID]
		if !ok {
			return notFound("query", query.ID)
		}
		if stored.Version != query.Version {
			return &ferrors.RecordModifiedError{Entity: "query", ID: query.ID, Expected: query.Version, Actual: stored.Version}
		}
		for _, q := range t.queries {
			if q.ID != query.ID && q.Name == query.Name {
				return conflict("query", "name", query.Name)
			}
		}
		next := *query
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		// bookkeeping columns are owned by SetTaskID and UpdateSummary
		next.TaskID, next.LastRun = stored.TaskID, stored.LastRun
		next.ErrorMessage, next.ErrorSentryID = stored.ErrorMessage, stored.ErrorSentryID
		next.CreatedAt = stored.CreatedAt
		t.queries[query.ID] = next

		query.Version, query.UpdatedAt = next.Version, next.UpdatedAt
		return nil
	})
}

func (r *QueryRepository) SetTaskID(ctx context.Context, id uuid.UUID, version int, taskID *string) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.queries[id]
		if !ok {
			return notFound("query", id)
		}
		if stored.Version != version {
			return &ferrors.RecordModifiedError{Entity: "query", ID: id, Expected: version, Actual: stored.Version}
		}
		stored.TaskID = taskID
		t.queries[id] = stored
		return nil
	})
}

func (r *QueryRepository) UpdateSummary(ctx context.Context, id uuid.UUID, summary repositories.RunSummary) error {
	return r.s.write(ctx, func(t *tables) error {
		stored, ok := t.queries[id]
		if !ok {
			return nil
		}
		stored.LastRun = summary.LastRun
		stored.ErrorMessage = summary.ErrorMessage
		stored.ErrorSentryID = summary.ErrorSentryID
		t.queries[id] = stored
		return nil
	})
}

func (r *QueryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(t *tables) error {
		if _, ok := t.queries[id]; !ok {
			return notFound("query", id)
		}
		delete(t.queries, id)
		for dsID, ds := range t.datasets {
			if ds.QueryID == id {
				delete(t.datasets, dsID)
			}
		}
		reports := map[uuid.UUID]bool{}
		for reportID, report := range t.reports {
			if report.QueryID == id {
				reports[reportID] = true
				delete(t.reports, reportID)
			}
		}
		for pID, p := range t.parametrizers {
			if p.SourceQueryID != nil && *p.SourceQueryID == id {
				p.SourceQueryID = nil
				t.parametrizers[pID] = p
			}
		}
		t.deleteDocumentsWhere(func(doc models.ReportDocument) bool {
			_, dsAlive := t.datasets[doc.DatasetID]
			return reports[doc.ReportID] || !dsAlive
		})
		return nil
	})
}

type ParametrizerRepository struct {
	s *Store
}

func (r *ParametrizerRepository) Create(ctx context.Context, p *models.Parametrizer) error {
	return r.s.write(ctx, func(t *tables) error {
		for _, existing := range t.parametrizers {
			if existing.Code == p.Code {
				return conflict("parametrizer", "code", p.Code)
			}
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		now := time.Now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		stored := *p
		stored.Value.Data = append(json.RawMessage(nil), p.Value.Data...)
		t.parametrizers[p.ID] = stored
		return nil
	})
}

func (r *ParametrizerRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Parametrizer, error) {
	var out *models.Parametrizer
	err := r.s.read(func(t *tables) error {
		p, ok := t.parametrizers[id]
		if !ok {
			return notFound("parametrizer", id)
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *ParametrizerRepository) GetByCode(_ context.Context, code string) (*models.Parametrizer, error) {
	var out *models.Parametrizer
	err := r.s.read(func(t *tables) error {
		for _, p := range t.parametrizers {
			if p.Code == code {
				out = &p
				return nil
			}
		}
		return notFound("parametrizer", code)
	})
	return out, err
}

func (r *ParametrizerRepository) List(_ context.Context) ([]models.Parametrizer, error) {
	out := []models.Parametrizer{}
	_ = r.s.read(func(t *tables) error {
		for _, p := range t.parametrizers {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *ParametrizerRepository) SetValue(ctx context.Context, id uuid.UUID, value json.RawMessage) error {
	return r.s.write(ctx, func(t *tables) error {
		p, ok := t.parametrizers[id]
		if !ok {
			return notFound("parametrizer", id)
		}
		p.Value.Data = append(json.RawMessage(nil), value...)
		p.UpdatedAt = time.Now().UTC()
		t.parametrizers[id] = p
		return nil
	})
}

func (r *ParametrizerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(t *tables) error {
		p, ok := t.parametrizers[id]
		if !ok || p.System {
			return repositories.NotFound("parametrizer %s does not exist or is a system parametrizer", id)
		}
		delete(t.parametrizers, id)
		for qID, q := range t.queries {
			if q.ParametrizerID != nil && *q.ParametrizerID == id {
				q.ParametrizerID = nil
				t.queries[qID] = q
			}
		}
		return nil
	})
}
