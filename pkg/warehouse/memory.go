package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/tenant"
)

// Memory is an in-process warehouse keyed by entity name, used by tests and
// local development.
type Memory struct {
	mu         sync.RWMutex
	rows       map[string][]map[string]any
	sampleSize int
}

func NewMemory(sampleSize int) *Memory {
	return &Memory{rows: map[string][]map[string]any{}, sampleSize: sampleSize}
}

// Load replaces the rows of entity.
func (m *Memory) Load(entity string, rows []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[entity] = rows
}

func (m *Memory) Source(_ context.Context, entity tenant.EntityType) (Source, error) {
	return &memSource{mem: m, entity: entity}, nil
}

type memSource struct {
	mem    *Memory
	entity tenant.EntityType
	q      query
}

func (s *memSource) Entity() tenant.EntityType {
	return s.entity
}

func (s *memSource) Filter(predicate map[string]any) Source {
	return &memSource{mem: s.mem, entity: s.entity, q: s.q.withFilter(predicate)}
}

func (s *memSource) OrderBy(columns ...string) Source {
	return &memSource{mem: s.mem, entity: s.entity, q: s.q.withOrder(columns)}
}

func (s *memSource) Limit(n int) Source {
	return &memSource{mem: s.mem, entity: s.entity, q: s.q.withLimit(n)}
}

func (s *memSource) matching() []map[string]any {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()

	out := []map[string]any{}
	for _, row := range s.mem.rows[s.entity.Name] {
		if s.matches(row) {
			copied := make(map[string]any, len(row))
			for k, v := range row {
				copied[k] = v
			}
			out = append(out, copied)
		}
	}
	return out
}

func (s *memSource) matches(row map[string]any) bool {
	for _, c := range s.q.filters {
		got, want := row[c.column], c.value
		if values, ok := asList(want); ok {
			found := false
			for _, v := range values {
				if same(got, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !same(got, want) {
			return false
		}
	}
	return true
}

func (s *memSource) Rows(_ context.Context) ([]map[string]any, error) {
	rows := s.matching()
	for i := len(s.q.order) - 1; i >= 0; i-- {
		col, desc, err := orderColumn(s.q.order[i])
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(a, b int) bool {
			if desc {
				return less(rows[b][col], rows[a][col])
			}
			return less(rows[a][col], rows[b][col])
		})
	}
	if limit := s.q.effectiveLimit(s.mem.sampleSize); limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *memSource) Count(_ context.Context) (int, error) {
	return len(s.matching()), nil
}

// same compares loosely so that a uuid filter matches its string form.
func same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func less(a, b any) bool {
	switch x := a.(type) {
	case int:
		if y, ok := b.(int); ok {
			return x < y
		}
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x < y
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
