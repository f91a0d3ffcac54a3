package formatters

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tabular"
)

func init() {
	// keep pdfcpu from creating a config directory under the user's home
	model.ConfigPath = "disable"
}

type pdfFormProcessor struct {
	base
}

// PDFForm fills the AcroForm fields of a bound PDF with one row. Fields are
// matched by name against the row, then against the render context.
func PDFForm() Processor {
	return pdfFormProcessor{base{key: "pdfform", label: "PDF form", suffix: "pdf", mode: ModeDetail, template: true}}
}

func (p pdfFormProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	if len(rc.Template) == 0 {
		return nil, ferrors.NewValidationError("template", "pdf form formatter requires a template document")
	}

	values := map[string]string{}
	if rc.Context != nil {
		for k, v := range rc.Context.ToMap() {
			switch v.(type) {
			case map[string]any, []any:
				continue
			}
			values[k] = tabular.FormatValue(v)
		}
	}
	record := rc.Record
	if record == nil && rc.Table != nil && rc.Table.Len() == 1 {
		record = rc.Table.Record(0)
	}
	for k, v := range record {
		values[k] = tabular.FormatValue(v)
	}
	return FillForm(rc.Template, values)
}

// formGroup is the JSON document pdfcpu reads form values from.
type formGroup struct {
	Forms []formValues `json:"forms"`
}

type formValues struct {
	TextFields []textField `json:"textfield"`
	CheckBoxes []checkBox  `json:"checkbox"`
}

type textField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type checkBox struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// FillForm sets every field of the PDF's AcroForm whose name is a key of
// values and returns the rewritten document. Values that parse as booleans
// also toggle check boxes of the same name.
func FillForm(pdf []byte, values map[string]string) ([]byte, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	form := formValues{TextFields: []textField{}, CheckBoxes: []checkBox{}}
	for _, name := range names {
		form.TextFields = append(form.TextFields, textField{Name: name, Value: values[name]})
		if b, err := strconv.ParseBool(values[name]); err == nil {
			form.CheckBoxes = append(form.CheckBoxes, checkBox{Name: name, Value: b})
		}
	}
	data, err := json.Marshal(formGroup{Forms: []formValues{form}})
	if err != nil {
		return nil, err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var out bytes.Buffer
	if err := api.FillForm(bytes.NewReader(pdf), bytes.NewReader(data), &out, conf); err != nil {
		return nil, ferrors.NewValidationError("template", "failed to fill PDF form: %v", err)
	}
	return out.Bytes(), nil
}
