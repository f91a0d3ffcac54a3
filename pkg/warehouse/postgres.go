package warehouse

import (
	"context"
	"fmt"
	"reflect"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Postgres reads entities from the upstream warehouse database. The
// connection is expected to use a read-only role.
type Postgres struct {
	db         database.Querier
	logger     ectologger.Logger
	sampleSize int
}

func NewPostgres(db database.Querier, logger ectologger.Logger, sampleSize int) *Postgres {
	return &Postgres{db: db, logger: logger, sampleSize: sampleSize}
}

func (p *Postgres) Source(ctx context.Context, entity tenant.EntityType) (Source, error) {
	if !identifier.MatchString(entity.Table) {
		return nil, fmt.Errorf("invalid table name %q for entity %s", entity.Table, entity.Name)
	}
	return &pgSource{pg: p, entity: entity}, nil
}

type pgSource struct {
	pg     *Postgres
	entity tenant.EntityType
	q      query
}

func (s *pgSource) Entity() tenant.EntityType {
	return s.entity
}

func (s *pgSource) Filter(predicate map[string]any) Source {
	return &pgSource{pg: s.pg, entity: s.entity, q: s.q.withFilter(predicate)}
}

func (s *pgSource) OrderBy(columns ...string) Source {
	return &pgSource{pg: s.pg, entity: s.entity, q: s.q.withOrder(columns)}
}

func (s *pgSource) Limit(n int) Source {
	return &pgSource{pg: s.pg, entity: s.entity, q: s.q.withLimit(n)}
}

func (s *pgSource) where(sb *database.SelectBuilder) error {
	for _, c := range s.q.filters {
		col, value := c.column, c.value
		if !identifier.MatchString(col) {
			return fmt.Errorf("invalid filter column %q", col)
		}
		if values, ok := asList(value); ok {
			sb.Where(sb.In(col, values...))
			continue
		}
		if value == nil {
			sb.Where(sb.IsNull(col))
			continue
		}
		sb.Where(sb.Equal(col, value))
	}
	return nil
}

func (s *pgSource) Rows(ctx context.Context) ([]map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "warehouse.Source.Rows")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("*").From(s.entity.Table)
	if err := s.where(sb); err != nil {
		return nil, err
	}
	for _, spec := range s.q.order {
		col, desc, err := orderColumn(spec)
		if err != nil {
			return nil, err
		}
		if desc {
			sb.OrderBy(col + " DESC")
		} else {
			sb.OrderBy(col)
		}
	}
	if limit := s.q.effectiveLimit(s.pg.sampleSize); limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	rows, err := s.pg.db.QueryxContext(ctx, query, args...)
	if err != nil {
		s.pg.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity": s.entity.Name,
		}).Error("failed to read warehouse rows")
		return nil, fmt.Errorf("read %s: %w", s.entity.Name, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (s *pgSource) Count(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "warehouse.Source.Count")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(s.entity.Table)
	if err := s.where(sb); err != nil {
		return 0, err
	}

	query, args := sb.Build()
	var count int
	if err := s.pg.db.GetContext(ctx, &count, query, args...); err != nil {
		s.pg.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity": s.entity.Name,
		}).Error("failed to count warehouse rows")
		return 0, fmt.Errorf("count %s: %w", s.entity.Name, err)
	}
	return count, nil
}

func scanRows(rows *sqlx.Rows) ([]map[string]any, error) {
	out := []map[string]any{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			// pq returns text columns as []byte
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// asList reports whether v is a slice filter value (other than []byte).
func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
