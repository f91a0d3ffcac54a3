// Package warehouse is the read-only data-access handle over the upstream
// data warehouse. Sources are immutable: every refinement returns a new
// Source.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/tenant"
)

// Source is a lazily evaluated, filterable view of one entity.
type Source interface {
	Entity() tenant.EntityType
	Filter(predicate map[string]any) Source
	OrderBy(columns ...string) Source
	Limit(n int) Source
	Rows(ctx context.Context) ([]map[string]any, error)
	Count(ctx context.Context) (int, error)
}

type Warehouse interface {
	Source(ctx context.Context, entity tenant.EntityType) (Source, error)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// orderColumn splits "-col" into ("col", true).
func orderColumn(spec string) (string, bool, error) {
	desc := strings.HasPrefix(spec, "-")
	col := strings.TrimPrefix(spec, "-")
	if !identifier.MatchString(col) {
		return "", false, fmt.Errorf("invalid order column %q", spec)
	}
	return col, desc, nil
}

// condition is one column predicate. A list value means membership.
type condition struct {
	column string
	value  any
}

// query is the refinement state shared by the source implementations.
// Conditions are conjunctive, so a later Filter can only narrow a source.
type query struct {
	filters []condition
	order   []string
	limit   int
}

func (q query) withFilter(predicate map[string]any) query {
	cols := make([]string, 0, len(predicate))
	for k := range predicate {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	filters := make([]condition, 0, len(q.filters)+len(cols))
	filters = append(filters, q.filters...)
	for _, col := range cols {
		filters = append(filters, condition{column: col, value: predicate[col]})
	}
	q.filters = filters
	return q
}

func (q query) withOrder(columns []string) query {
	q.order = append(append([]string{}, q.order...), columns...)
	return q
}

func (q query) withLimit(n int) query {
	q.limit = n
	return q
}

// effectiveLimit bounds the requested limit by the sample size.
func (q query) effectiveLimit(sampleSize int) int {
	switch {
	case sampleSize <= 0:
		return q.limit
	case q.limit <= 0 || q.limit > sampleSize:
		return sampleSize
	default:
		return q.limit
	}
}

// Scoped wraps w so that every source carries the tenant predicate declared
// by its entity.
func Scoped(w Warehouse, scope tenant.Scope) Warehouse {
	return &scopedWarehouse{inner: w, scope: scope}
}

type scopedWarehouse struct {
	inner Warehouse
	scope tenant.Scope
}

func (s *scopedWarehouse) Source(ctx context.Context, entity tenant.EntityType) (Source, error) {
	filter, err := tenant.ScopeFilter(s.scope, entity)
	if err != nil {
		return nil, err
	}
	if filter.Empty {
		return emptySource{entity: entity}, nil
	}
	src, err := s.inner.Source(ctx, entity)
	if err != nil {
		return nil, err
	}
	if filter.Predicate != nil {
		src = src.Filter(filter.Predicate)
	}
	return src, nil
}

type emptySource struct {
	entity tenant.EntityType
}

func (e emptySource) Entity() tenant.EntityType { return e.entity }
func (e emptySource) Filter(map[string]any) Source { return e }
func (e emptySource) OrderBy(...string) Source { return e }
func (e emptySource) Limit(int) Source { return e }
func (e emptySource) Rows(context.Context) ([]map[string]any, error) { return []map[string]any{}, nil }
func (e emptySource) Count(context.Context) (int, error) { return 0, nil }
