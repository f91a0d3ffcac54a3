package queries

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/warehouse"
)

const (
	WarehouseRowsFunc  = "warehouse.rows"
	WarehouseCountFunc = "warehouse.count"
	StaticValuesFunc   = "static.values"
)

// Func is a query body. It returns anything tabular.ToDataset accepts.
type Func func(ctx context.Context, env *Environment) (any, error)

type Definition struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Func        Func   `json:"-"`
}

// Registry maps Query.Code to a query function. It is read-only once built.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if strings.TrimSpace(def.Key) == "" {
			return nil, fmt.Errorf("query function key is required")
		}
		if def.Func == nil {
			return nil, fmt.Errorf("query function %s has no body", def.Key)
		}
		if _, dup := r.defs[def.Key]; dup {
			return nil, fmt.Errorf("query function %s registered twice", def.Key)
		}
		r.defs[def.Key] = def
	}
	return r, nil
}

func (r *Registry) Get(key string) (Definition, bool) {
	def, ok := r.defs[key]
	return def, ok
}

// Definitions returns every definition sorted by key.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Builtins are the functions every deployment registers.
func Builtins() []Definition {
	return []Definition{
		{
			Key:         WarehouseRowsFunc,
			Name:        "Warehouse rows",
			Description: "Rows of the target entity; arguments naming a column filter it, _order and _limit shape it",
			Func:        warehouseRows,
		},
		{
			Key:         WarehouseCountFunc,
			Name:        "Warehouse count",
			Description: "Row count of the target entity filtered like warehouse.rows",
			Func:        warehouseCount,
		},
		{
			Key:         StaticValuesFunc,
			Name:        "Static values",
			Description: "Returns the values argument as is",
			Func:        staticValues,
		},
	}
}

// filtered applies the column arguments of env to its source. Arguments
// whose name starts with "_" are options, not filters.
func filtered(env *Environment) warehouse.Source {
	src := env.Source
	predicate := map[string]any{}
	for k, v := range env.Args {
		if !strings.HasPrefix(k, "_") {
			predicate[k] = v
		}
	}
	if len(predicate) > 0 {
		src = src.Filter(predicate)
	}
	return src
}

func warehouseRows(ctx context.Context, env *Environment) (any, error) {
	src := filtered(env)
	switch order := env.Args["_order"].(type) {
	case string:
		src = src.OrderBy(strings.Split(order, ",")...)
	case []any:
		cols := make([]string, 0, len(order))
		for _, c := range order {
			cols = append(cols, fmt.Sprint(c))
		}
		src = src.OrderBy(cols...)
	}
	if limit, ok := asInt(env.Args["_limit"]); ok {
		src = src.Limit(limit)
	}
	env.Debug("materializing source", map[string]any{"entity": src.Entity().Name})
	return src, nil
}

func warehouseCount(ctx context.Context, env *Environment) (any, error) {
	n, err := filtered(env).Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": n}, nil
}

func staticValues(_ context.Context, env *Environment) (any, error) {
	if v, ok := env.Args["values"]; ok && v != nil {
		return v, nil
	}
	return []any{}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
