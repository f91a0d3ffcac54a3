// Package parametrizer expands a parameter specification into the argument
// sets a query is run with.
package parametrizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

// Param is one named dimension of the matrix.
type Param struct {
	Name   string
	Values []any
}

// Spec is a decoded parameter specification. Params keeps mapping keys in
// declaration order; a flat list decodes to a single Param.
type Spec struct {
	Params []Param
	flat   bool
}

// ParamName is the argument name a flat list is bound to.
func ParamName(code string) string {
	return strings.ReplaceAll(slug.Make(code), "-", "_")
}

// Parse decodes raw into a Spec. Only a JSON object of lists or a JSON list
// is accepted.
func Parse(code string, raw []byte) (*Spec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ferrors.NewValidationError("value", "parameter specification is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, ferrors.NewValidationError("value", "invalid JSON: %v", err)
	}

	spec := &Spec{}
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, ferrors.NewValidationError("value", "invalid JSON: %v", err)
			}
			key := keyTok.(string)
			var values []any
			if err := dec.Decode(&values); err != nil {
				return nil, ferrors.NewValidationError(key, "values must be a list")
			}
			spec.Params = append(spec.Params, Param{Name: key, Values: normalizeAll(values)})
		}
		if _, err := dec.Token(); err != nil {
			return nil, ferrors.NewValidationError("value", "invalid JSON: %v", err)
		}
	case json.Delim('['):
		var values []any
		for dec.More() {
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, ferrors.NewValidationError("value", "invalid JSON: %v", err)
			}
			values = append(values, normalize(v))
		}
		if _, err := dec.Token(); err != nil {
			return nil, ferrors.NewValidationError("value", "invalid JSON: %v", err)
		}
		spec.flat = true
		if len(values) > 0 {
			spec.Params = []Param{{Name: ParamName(code), Values: values}}
		}
	default:
		return nil, ferrors.NewValidationError("value", "parameter specification must be a mapping or a list")
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, ferrors.NewValidationError("value", "unexpected data after specification")
	}
	return spec, nil
}

// Expand returns the argument sets for raw. An empty mapping or list yields
// a single empty argument set.
func Expand(code string, raw []byte) ([]map[string]any, error) {
	spec, err := Parse(code, raw)
	if err != nil {
		return nil, err
	}
	return spec.Expand(), nil
}

// Validate reports whether raw can be expanded.
func Validate(code string, raw []byte) error {
	_, err := Parse(code, raw)
	return err
}

// Len is the number of argument sets Expand produces.
func (s *Spec) Len() int {
	if len(s.Params) == 0 {
		return 1
	}
	n := 1
	if s.flat {
		return len(s.Params[0].Values)
	}
	for _, p := range s.Params {
		n *= len(p.Values)
	}
	return n
}

func (s *Spec) Expand() []map[string]any {
	if len(s.Params) == 0 {
		return []map[string]any{{}}
	}

	if s.flat {
		p := s.Params[0]
		out := make([]map[string]any, 0, len(p.Values))
		for _, v := range p.Values {
			out = append(out, map[string]any{p.Name: v})
		}
		return out
	}

	out := make([]map[string]any, 0, s.Len())
	indexes := make([]int, len(s.Params))
	for _, p := range s.Params {
		if len(p.Values) == 0 {
			return out
		}
	}
	for {
		args := make(map[string]any, len(s.Params))
		for i, p := range s.Params {
			args[p.Name] = p.Values[indexes[i]]
		}
		out = append(out, args)

		// odometer: the last parameter varies fastest
		i := len(indexes) - 1
		for ; i >= 0; i-- {
			indexes[i]++
			if indexes[i] < len(s.Params[i].Values) {
				break
			}
			indexes[i] = 0
		}
		if i < 0 {
			return out
		}
	}
}

func normalizeAll(values []any) []any {
	for i, v := range values {
		values[i] = normalize(v)
	}
	return values
}

// normalize turns json.Number into int64 or float64 so that arguments compare
// naturally in query functions.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		return normalizeAll(x)
	case map[string]any:
		for k, inner := range x {
			x[k] = normalize(inner)
		}
		return x
	default:
		return v
	}
}

// Key renders args as the stable string used in matrix results.
func Key(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}
