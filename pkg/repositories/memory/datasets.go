package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

type DatasetRepository struct {
	s *Store
}

func (r *DatasetRepository) Upsert(ctx context.Context, dataset *models.Dataset) (bool, error) {
	created := false
	err := r.s.write(ctx, func(t *tables) error {
		now := time.Now().UTC()
		for id, existing := range t.datasets {
			if existing.QueryID == dataset.QueryID && existing.Hash == dataset.Hash {
				dataset.ID = id
				dataset.CreatedAt = existing.CreatedAt
				dataset.UpdatedAt = now
				t.datasets[id] = *dataset
				return nil
			}
		}
		if dataset.ID == uuid.Nil {
			dataset.ID = uuid.New()
		}
		dataset.CreatedAt, dataset.UpdatedAt = now, now
		t.datasets[dataset.ID] = *dataset
		created = true
		return nil
	})
	return created, err
}

func (r *DatasetRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Dataset, error) {
	var out *models.Dataset
	err := r.s.read(func(t *tables) error {
		ds, ok := t.datasets[id]
		if !ok {
			return notFound("dataset", id)
		}
		out = &ds
		return nil
	})
	return out, err
}

func (r *DatasetRepository) GetByHash(_ context.Context, queryID uuid.UUID, hash string) (*models.Dataset, error) {
	var out *models.Dataset
	err := r.s.read(func(t *tables) error {
		for _, ds := range t.datasets {
			if ds.QueryID == queryID && ds.Hash == hash {
				out = &ds
				return nil
			}
		}
		return notFound("dataset", hash)
	})
	return out, err
}

func (r *DatasetRepository) ListByQuery(_ context.Context, queryID uuid.UUID) ([]models.Dataset, error) {
	out := []models.Dataset{}
	_ = r.s.read(func(t *tables) error {
		for _, ds := range t.datasets {
			if ds.QueryID == queryID {
				out = append(out, ds)
			}
		}
		return nil
	})
	sortDatasets(out)
	return out, nil
}

func (r *DatasetRepository) DeleteExcept(ctx context.Context, queryID uuid.UUID, keep []uuid.UUID) ([]models.Dataset, error) {
	stale := []models.Dataset{}
	err := r.s.write(ctx, func(t *tables) error {
		for id, ds := range t.datasets {
			if ds.QueryID == queryID && !slices.Contains(keep, id) {
				stale = append(stale, ds)
				delete(t.datasets, id)
			}
		}
		t.deleteDocumentsWhere(func(doc models.ReportDocument) bool {
			_, ok := t.datasets[doc.DatasetID]
			return !ok
		})
		return nil
	})
	sortDatasets(stale)
	return stale, err
}

func sortDatasets(datasets []models.Dataset) {
	sort.SliceStable(datasets, func(i, j int) bool {
		if !datasets[i].CreatedAt.Equal(datasets[j].CreatedAt) {
			return datasets[i].CreatedAt.Before(datasets[j].CreatedAt)
		}
		return datasets[i].ID.String() < datasets[j].ID.String()
	})
}
