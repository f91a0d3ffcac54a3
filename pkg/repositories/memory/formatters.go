package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

type FormatterRepository struct {
	s *Store
}

func (r *FormatterRepository) Create(ctx context.Context, formatter *models.Formatter) error {
	return r.s.write(ctx, func(t *tables) error {
		for _, f := range t.formatters {
			if f.Name == formatter.Name {
				return conflict("formatter", "name", formatter.Name)
			}
		}
		if formatter.ID == uuid.Nil {
			formatter.ID = uuid.New()
		}
		if formatter.Mode == "" {
			formatter.Mode = models.RenderModeList
		}
		now := time.Now().UTC()
		formatter.CreatedAt, formatter.UpdatedAt = now, now
		t.formatters[formatter.ID] = *formatter
		return nil
	})
}

func (r *FormatterRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Formatter, error) {
	var out *models.Formatter
	err := r.s.read(func(t *tables) error {
		f, ok := t.formatters[id]
		if !ok {
			return notFound("formatter", id)
		}
		out = &f
		return nil
	})
	return out, err
}

func (r *FormatterRepository) GetByName(_ context.Context, name string) (*models.Formatter, error) {
	var out *models.Formatter
	err := r.s.read(func(t *tables) error {
		for _, f := range t.formatters {
			if f.Name == name {
				out = &f
				return nil
			}
		}
		return notFound("formatter", name)
	})
	return out, err
}

func (r *FormatterRepository) List(ctx context.Context) ([]models.Formatter, error) {
	return r.filter(func(models.Formatter) bool { return true }), nil
}

func (r *FormatterRepository) ListByIDs(_ context.Context, ids []uuid.UUID) ([]models.Formatter, error) {
	return r.filter(func(f models.Formatter) bool { return slices.Contains(ids, f.ID) }), nil
}

func (r *FormatterRepository) filter(keep func(models.Formatter) bool) []models.Formatter {
	out := []models.Formatter{}
	_ = r.s.read(func(t *tables) error {
		for _, f := range t.formatters {
			if keep(f) {
				out = append(out, f)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
