// Package formatters renders dataset tables into documents. A Processor
// knows one output format; a models.Formatter binds a processor to an
// inline template and an optional template document.
package formatters

import (
	"context"
	"mime"
	"strings"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/tabular"
)

// Mode says whether a processor renders a whole table at once, one document
// per row, or either.
type Mode string

const (
	ModeList   Mode = "list"
	ModeDetail Mode = "detail"
	ModeBoth   Mode = "both"
)

// Supports reports whether a processor in mode m can render in want.
func (m Mode) Supports(want Mode) bool {
	return m == ModeBoth || m == want
}

// RenderContext is what a processor sees for one rendering pass. In detail
// mode Table holds the single row being rendered and Record/Page describe it.
type RenderContext struct {
	Table    *tabular.Table
	Context  *expressions.Context
	Code     string
	Template []byte
	Record   map[string]any
	Page     int
}

// Data is the template data of the pass: the flattened context plus the
// table rows.
func (rc RenderContext) Data() map[string]any {
	data := map[string]any{}
	if rc.Context != nil {
		data = rc.Context.ToMap()
	}
	if rc.Table != nil {
		data["headers"] = rc.Table.Headers
		data["rows"] = rc.Table.Records()
	}
	return data
}

type Processor interface {
	Key() string
	Label() string
	Suffix() string
	ContentType() string
	Mode() Mode
	// NeedsTemplate reports whether the formatter must bind a template
	// document.
	NeedsTemplate() bool
	Process(ctx context.Context, rc RenderContext) ([]byte, error)
}

var contentTypes = map[string]string{
	"csv":  "text/csv",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"json": "application/json",
	"yaml": "application/yaml",
	"txt":  "text/plain",
	"html": "text/html",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ContentTypeFor derives a content type from a file suffix.
func ContentTypeFor(suffix string) string {
	suffix = strings.TrimPrefix(strings.ToLower(suffix), ".")
	if ct, ok := contentTypes[suffix]; ok {
		return ct
	}
	if ct := mime.TypeByExtension("." + suffix); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// base carries the descriptive half of a processor.
type base struct {
	key      string
	label    string
	suffix   string
	mode     Mode
	template bool
}

func (b base) Key() string         { return b.key }
func (b base) Label() string       { return b.label }
func (b base) Suffix() string      { return b.suffix }
func (b base) ContentType() string { return ContentTypeFor(b.suffix) }
func (b base) Mode() Mode          { return b.mode }
func (b base) NeedsTemplate() bool { return b.template }
