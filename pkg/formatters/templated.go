package formatters

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tabular"
)

var templateFuncs = map[string]any{
	"value": tabular.FormatValue,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

type textProcessor struct {
	base
}

// Text renders the formatter code as a text/template.
func Text() Processor {
	return textProcessor{base{key: "text", label: "Text", suffix: "txt", mode: ModeBoth}}
}

func (p textProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	return renderText(p.key, rc)
}

func renderText(name string, rc RenderContext) ([]byte, error) {
	tmpl, err := texttemplate.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(rc.Code)
	if err != nil {
		return nil, ferrors.NewValidationError("code", "invalid template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc.Data()); err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.Bytes(), nil
}

type htmlProcessor struct {
	base
}

// HTML renders the formatter code as an html/template, escaping values.
func HTML() Processor {
	return htmlProcessor{base{key: "html", label: "HTML", suffix: "html", mode: ModeBoth}}
}

func (p htmlProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	tmpl, err := htmltemplate.New(p.key).Funcs(templateFuncs).Option("missingkey=zero").Parse(rc.Code)
	if err != nil {
		return nil, ferrors.NewValidationError("code", "invalid template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc.Data()); err != nil {
		return nil, fmt.Errorf("failed to render html template: %w", err)
	}
	return buf.Bytes(), nil
}
