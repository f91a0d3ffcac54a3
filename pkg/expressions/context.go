package expressions

import (
	"encoding/json"
	"maps"
)

// Context is the data a report title and a document template see: dataset
// arguments, the dataset extra payload and the report's own values, merged
// in that order, plus the report, dataset and formatter descriptors.
type Context struct {
	Arguments map[string]any
	Extra     map[string]any
	Values    map[string]any
	Report    map[string]any
	Dataset   map[string]any
	Formatter map[string]any
	Title     string

	// Record and Page are set per row in detail rendering.
	Record map[string]any
	Page   int
}

// ToMap flattens the context for evaluation. Values are normalized to
// their JSON form so that JMESPath sees plain maps, lists and float64s.
func (c *Context) ToMap() map[string]any {
	result := make(map[string]any, len(c.Arguments)+len(c.Extra)+len(c.Values)+6)
	maps.Copy(result, c.Arguments)
	maps.Copy(result, c.Extra)
	maps.Copy(result, c.Values)

	if c.Dataset != nil {
		result["dataset"] = c.Dataset
	}
	if c.Formatter != nil {
		result["formatter"] = c.Formatter
	}
	if c.Report != nil {
		result["report"] = c.Report
	}
	if c.Title != "" {
		result["title"] = c.Title
	}
	if c.Record != nil {
		result["record"] = c.Record
		result["page"] = c.Page
	}

	normalized, ok := Normalize(result).(map[string]any)
	if !ok {
		return result
	}
	return normalized
}

// WithRecord returns a copy of c for one detail page.
func (c *Context) WithRecord(record map[string]any, page int) *Context {
	clone := *c
	clone.Record = record
	clone.Page = page
	return &clone
}

// Normalize converts v to its JSON representation.
func Normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
