// Package tabular is the canonical tabular structure datasets are stored as,
// plus the coercion from query results and the export formats.
package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/warehouse"
)

// ValueHeader is the header of a table built from a list of scalars.
const ValueHeader = "value"

// NaiveLayout renders timestamps without zone information.
const NaiveLayout = "2006-01-02T15:04:05.999999"

type Table struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

func New(headers ...string) *Table {
	return &Table{Headers: headers, Rows: [][]any{}}
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// Append adds a row; short rows are padded with nil.
func (t *Table) Append(values ...any) {
	row := make([]any, len(t.Headers))
	copy(row, values)
	t.Rows = append(t.Rows, row)
}

// Scalar reports whether t was built from a flat list of values.
func (t *Table) Scalar() bool {
	return len(t.Headers) == 1 && t.Headers[0] == ValueHeader
}

// Record returns row i keyed by header.
func (t *Table) Record(i int) map[string]any {
	rec := make(map[string]any, len(t.Headers))
	for j, h := range t.Headers {
		if j < len(t.Rows[i]) {
			rec[h] = t.Rows[i][j]
		}
	}
	return rec
}

func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i := range t.Rows {
		out[i] = t.Record(i)
	}
	return out
}

// Column returns the values of column i.
func (t *Table) Column(i int) []any {
	out := make([]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		if i < len(row) {
			out = append(out, row[i])
		}
	}
	return out
}

// ToDataset coerces a query result into a Table.
func ToDataset(ctx context.Context, result any) (*Table, error) {
	switch v := result.(type) {
	case nil:
		return nil, ferrors.NewUnsupportedResultType(result)
	case *Table:
		return naive(&Table{Headers: append([]string{}, v.Headers...), Rows: copyRows(v.Rows)}), nil
	case Table:
		return ToDataset(ctx, &v)
	case warehouse.Source:
		rows, err := v.Rows(ctx)
		if err != nil {
			return nil, err
		}
		return fromRecords(rows), nil
	case []map[string]any:
		return fromRecords(v), nil
	case map[string]any:
		return fromRecords([]map[string]any{v}), nil
	case []any:
		return fromList(v, result)
	}

	rv := reflect.ValueOf(result)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return fromList(items, result)
	case reflect.Map:
		if rec, ok := stringMap(rv); ok {
			return fromRecords([]map[string]any{rec}), nil
		}
	}
	return nil, ferrors.NewUnsupportedResultType(result)
}

func fromList(items []any, original any) (*Table, error) {
	if len(items) == 0 {
		return New(ValueHeader), nil
	}

	records := make([]map[string]any, 0, len(items))
	scalars := 0
	for _, item := range items {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
			continue
		}
		if item != nil && reflect.ValueOf(item).Kind() == reflect.Map {
			if rec, ok := stringMap(reflect.ValueOf(item)); ok {
				records = append(records, rec)
				continue
			}
		}
		if !isScalar(item) {
			return nil, ferrors.NewUnsupportedResultType(original)
		}
		scalars++
	}

	switch {
	case scalars == len(items):
		t := New(ValueHeader)
		for _, item := range items {
			t.Append(naiveValue(item))
		}
		return t, nil
	case len(records) == len(items):
		return fromRecords(records), nil
	default:
		return nil, ferrors.NewUnsupportedResultType(original)
	}
}

// fromRecords builds headers from the sorted keys of the first record, then
// any new keys of later records in sorted order.
func fromRecords(records []map[string]any) *Table {
	var headers []string
	seen := map[string]bool{}
	for _, rec := range records {
		var fresh []string
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				fresh = append(fresh, k)
			}
		}
		sort.Strings(fresh)
		headers = append(headers, fresh...)
	}

	t := New(headers...)
	for _, rec := range records {
		row := make([]any, len(headers))
		for i, h := range headers {
			row[i] = naiveValue(rec[h])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func stringMap(rv reflect.Value) (map[string]any, bool) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	rec := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		rec[iter.Key().String()] = iter.Value().Interface()
	}
	return rec, true
}

func isScalar(v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case time.Time, json.Number:
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	_, ok := v.(fmt.Stringer)
	return ok
}

func naive(t *Table) *Table {
	for _, row := range t.Rows {
		for i, v := range row {
			row[i] = naiveValue(v)
		}
	}
	return t
}

// naiveValue converts zoned timestamps to UTC wall-clock time.
func naiveValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		u := x.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), time.UTC)
	case *time.Time:
		if x == nil {
			return nil
		}
		return naiveValue(*x)
	default:
		return v
	}
}

func copyRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = append([]any{}, row...)
	}
	return out
}

// Marshal serializes t as the dataset payload.
func Marshal(t *Table) ([]byte, error) {
	rows := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = jsonValue(v)
		}
	}
	return json.Marshal(Table{Headers: t.Headers, Rows: rows})
}

// Unmarshal reads a dataset payload written by Marshal.
func Unmarshal(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		for i, v := range row {
			row[i] = fromNumber(v)
		}
	}
	if t.Rows == nil {
		t.Rows = [][]any{}
	}
	return &t, nil
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(NaiveLayout)
	case []byte:
		return string(x)
	default:
		return v
	}
}

func fromNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
