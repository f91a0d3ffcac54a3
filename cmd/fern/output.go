package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/Ramsey-B/fern/pkg/tabular"
)

const nullValue = "-"

func newTable(w io.Writer, headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row(headers))
	return t
}

// writeDataset prints a dataset, at most limit rows of it.
func writeDataset(w io.Writer, data *tabular.Table, limit int) {
	headers := make([]any, len(data.Headers))
	for i, h := range data.Headers {
		headers[i] = h
	}
	t := newTable(w, headers...)
	for i, row := range data.Rows {
		if limit > 0 && i == limit {
			break
		}
		cells := make(table.Row, len(row))
		for j, v := range row {
			cells[j] = cell(v)
		}
		t.AppendRow(cells)
	}
	t.Render()
	if limit > 0 && len(data.Rows) > limit {
		fmt.Fprintf(w, "(%d of %d rows)\n", limit, len(data.Rows))
	}
}

// cell renders a value for a table; go-pretty doesn't expect nil values.
func cell(v any) any {
	switch v := v.(type) {
	case nil:
		return nullValue
	case *string:
		if v == nil {
			return nullValue
		}
		return *v
	case *time.Time:
		if v == nil {
			return nullValue
		}
		return v.UTC().Format(time.RFC3339)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *uuid.UUID:
		if v == nil {
			return nullValue
		}
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return v
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
