package tenant

import (
	"fmt"
	"sort"
)

// Registry is the immutable set of entity types queries may target. It is
// validated once at startup.
type Registry struct {
	types map[string]EntityType
}

func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.types[t.Name]; ok {
			return nil, fmt.Errorf("entity type %s registered twice", t.Name)
		}
		r.types[t.Name] = t
	}
	return r, nil
}

func (r *Registry) Get(name string) (EntityType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered entity names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
