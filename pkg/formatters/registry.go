package formatters

import (
	"fmt"
	"sort"
)

// Choice is a processor as offered to a user picking one.
type Choice struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Registry is the immutable set of processors available to formatters.
type Registry struct {
	processors map[string]Processor
	order      []Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[string]Processor, len(processors))}
	for _, p := range processors {
		if p == nil || p.Key() == "" {
			return nil, fmt.Errorf("processor key is required")
		}
		if _, exists := r.processors[p.Key()]; exists {
			return nil, fmt.Errorf("processor %q registered twice", p.Key())
		}
		r.processors[p.Key()] = p
		r.order = append(r.order, p)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.order[i].Label() < r.order[j].Label()
	})
	return r, nil
}

func (r *Registry) Get(key string) (Processor, bool) {
	p, ok := r.processors[key]
	return p, ok
}

// AsChoices lists the processors accepted by filter, sorted by label. A nil
// filter accepts every processor.
func (r *Registry) AsChoices(filter func(Processor) bool) []Choice {
	choices := []Choice{}
	for _, p := range r.order {
		if filter != nil && !filter(p) {
			continue
		}
		choices = append(choices, Choice{Key: p.Key(), Label: p.Label()})
	}
	return choices
}

// Builtins returns one instance of every processor shipped with fern.
func Builtins() []Processor {
	return []Processor{
		CSV(), XLS(), XLSX(), JSON(), YAML(),
		Text(), HTML(), PDF(),
		DOCX(), PDFForm(),
	}
}
