package formatters_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/alexmullins/zip"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/formatters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tabular"
)

func registry(t *testing.T) *formatters.Registry {
	t.Helper()
	r, err := formatters.NewRegistry(formatters.Builtins()...)
	require.NoError(t, err)
	return r
}

func people() *tabular.Table {
	table := tabular.New("name", "age")
	table.Append("a", 30)
	table.Append("b", 41)
	return table
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := formatters.NewRegistry(formatters.CSV(), formatters.CSV())
	assert.Error(t, err)
}

func TestAsChoices(t *testing.T) {
	r := registry(t)

	all := r.AsChoices(nil)
	require.Len(t, all, len(formatters.Builtins()))
	assert.Equal(t, formatters.Choice{Key: "csv", Label: "CSV"}, all[0])
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Label, all[i].Label)
	}

	detailOnly := r.AsChoices(func(p formatters.Processor) bool { return p.Mode() == formatters.ModeDetail })
	assert.Equal(t, []formatters.Choice{{Key: "pdfform", Label: "PDF form"}}, detailOnly)

	none := r.AsChoices(func(formatters.Processor) bool { return false })
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/json", formatters.ContentTypeFor("json"))
	assert.Equal(t, "text/csv", formatters.ContentTypeFor(".CSV"))
	assert.Equal(t, "application/octet-stream", formatters.ContentTypeFor("fern-unknown"))

	proc, ok := registry(t).Get("xlsx")
	require.True(t, ok)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", proc.ContentType())
}

func TestRender_ListJSON(t *testing.T) {
	table, err := tabular.ToDataset(context.Background(), []any{1, 2, 3})
	require.NoError(t, err)

	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "json", Processor: "json", Mode: models.RenderModeList}, table, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[1,2,3]", string(out))
}

func TestRender_DetailConcatenatesPages(t *testing.T) {
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "pages", Processor: "text", Mode: models.RenderModeDetail, Code: "{{ .page }}:{{ .record.name }};"},
		people(), &expressions.Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1:a;2:b;", string(out))
}

func TestRender_ModeMismatch(t *testing.T) {
	_, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "form", Processor: "pdfform", Mode: models.RenderModeList}, people(), nil, []byte("%PDF"))
	assert.True(t, ferrors.IsValidationError(err))

	_, err = formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "nope", Processor: "nope"}, people(), nil, nil)
	assert.True(t, ferrors.IsValidationError(err))
}

func TestRender_TemplateRequired(t *testing.T) {
	_, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "letter", Processor: "docx"}, people(), nil, nil)
	assert.True(t, ferrors.IsValidationError(err))
}

func TestHTMLEscapesValues(t *testing.T) {
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "page", Processor: "html", Code: "<p>{{ .title }}</p><i>{{ len .rows }}</i>"},
		people(), &expressions.Context{Title: "<b>"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>&lt;b&gt;</p><i>2</i>", string(out))
}

func TestPDF(t *testing.T) {
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "pdf", Processor: "pdf", Code: "{{ range .rows }}{{ .name }} {{ .age }}\n{{ end }}"},
		people(), &expressions.Context{Title: "Résumé"}, nil)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func docxTemplate(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml":   body,
		"word/styles.xml":     `<w:styles>{{ name }}</w:styles>`,
	} {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func docxPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(content)
	}
	t.Fatalf("%s not in archive", name)
	return ""
}

func TestDOCXMerge(t *testing.T) {
	tmpl := docxTemplate(t, `<w:t>Hello {{ name }} of {{ report.city }}, {{ missing }}</w:t>`)
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "letter", Processor: "docx"}, people(),
		&expressions.Context{
			Arguments: map[string]any{"name": "A<B"},
			Report:    map[string]any{"city": "Nairobi"},
		}, tmpl)
	require.NoError(t, err)

	doc := docxPart(t, out, "word/document.xml")
	assert.Equal(t, `<w:t>Hello A&lt;B of Nairobi, {{ missing }}</w:t>`, doc)
	assert.Equal(t, `<w:styles>{{ name }}</w:styles>`, docxPart(t, out, "word/styles.xml"))
}

func TestDOCXDetailUsesRecord(t *testing.T) {
	tmpl := docxTemplate(t, `<w:t>{{ record.name }}/{{ page }}</w:t>`)
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "letter", Processor: "docx", Mode: models.RenderModeDetail}, people(), nil, tmpl)
	require.NoError(t, err)

	// two archives back to back; the first one is readable on its own
	assert.Equal(t, 2, bytes.Count(out, []byte("PK\x05\x06")))
	end := bytes.Index(out, []byte("PK\x05\x06")) + 22
	assert.Equal(t, `<w:t>a/1</w:t>`, docxPart(t, out[:end], "word/document.xml"))
}

// formObjects returns the objects of a one page document with a text field
// for each name. Object 1 is the catalog.
func formObjects(fields ...string) []string {
	var refs strings.Builder
	for i := range fields {
		fmt.Fprintf(&refs, "%d 0 R ", 5+i)
	}
	objects := []string{
		fmt.Sprintf("<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [%s] /DR << /Font << /Helv 4 0 R >> >> /DA (/Helv 0 Tf 0 g) >> >>", refs.String()),
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Annots [%s] >>", refs.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	for i, name := range fields {
		objects = append(objects, fmt.Sprintf(
			"<< /Type /Annot /Subtype /Widget /FT /Tx /T (%s) /Rect [50 %d 300 %d] /P 3 0 R /DA (/Helv 12 Tf 0 g) /F 4 >>",
			name, 700-30*i, 720-30*i))
	}
	return objects
}

func writeObjects(buf *bytes.Buffer, objects []string) []int {
	buf.WriteString("%PDF-1.5\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	return offsets
}

// buildPDF writes a PDF with a classic cross-reference table.
func buildPDF(objects ...string) []byte {
	var buf bytes.Buffer
	offsets := writeObjects(&buf, objects)
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// buildXRefStreamPDF writes a PDF whose cross-reference section is an
// uncompressed cross-reference stream, so it has no trailer dictionary.
func buildXRefStreamPDF(objects ...string) []byte {
	var buf bytes.Buffer
	offsets := writeObjects(&buf, objects)
	xref := buf.Len()
	offsets = append(offsets, xref)

	var entries bytes.Buffer
	entries.Write([]byte{0, 0, 0, 0, 0, 0xff, 0xff})
	for _, off := range offsets {
		entry := make([]byte, 7)
		entry[0] = 1
		binary.BigEndian.PutUint32(entry[1:5], uint32(off))
		entries.Write(entry)
	}
	size := len(objects) + 2
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root 1 0 R /Length %d >>\nstream\n", size-1, size, entries.Len())
	buf.Write(entries.Bytes())
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

// formFields reads back the text field values of a filled document.
func formFields(t *testing.T, pdf []byte) map[string]string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, api.ExportFormJSON(bytes.NewReader(pdf), &buf, "form.pdf", model.NewDefaultConfiguration()))

	var group struct {
		Forms []struct {
			TextFields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"textfield"`
		} `json:"forms"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &group))
	fields := map[string]string{}
	for _, form := range group.Forms {
		for _, f := range form.TextFields {
			fields[f.Name] = f.Value
		}
	}
	return fields
}

func TestFillForm(t *testing.T) {
	original := buildPDF(formObjects("name", "city", "untouched")...)

	out, err := formatters.FillForm(original, map[string]string{"name": "Alice (A)", "city": "Zürich", "missing": "x"})
	require.NoError(t, err)

	fields := formFields(t, out)
	assert.Equal(t, "Alice (A)", fields["name"])
	assert.Equal(t, "Zürich", fields["city"])
	assert.Empty(t, fields["untouched"])
	assert.NotContains(t, fields, "missing")
}

func TestFillFormXRefStream(t *testing.T) {
	original := buildXRefStreamPDF(formObjects("name", "active")...)
	require.NotContains(t, string(original), "trailer")

	out, err := formatters.FillForm(original, map[string]string{"name": "Bob", "active": "true"})
	require.NoError(t, err)

	fields := formFields(t, out)
	assert.Equal(t, "Bob", fields["name"])
	assert.Equal(t, "true", fields["active"])
}

func TestFillFormRejectsNonForms(t *testing.T) {
	_, err := formatters.FillForm([]byte("not a pdf"), nil)
	assert.True(t, ferrors.IsValidationError(err))

	plain := buildPDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>",
	)
	_, err = formatters.FillForm(plain, map[string]string{"name": "a"})
	assert.True(t, ferrors.IsValidationError(err))
}

func TestPDFFormDetailPerRow(t *testing.T) {
	original := buildPDF(formObjects("name")...)
	out, err := formatters.Render(context.Background(), registry(t),
		&models.Formatter{Name: "form", Processor: "pdfform"}, people(), nil, original)
	require.NoError(t, err)

	require.Equal(t, 2, bytes.Count(out, []byte("%PDF-")))
	second := bytes.LastIndex(out, []byte("%PDF-"))
	assert.Equal(t, "a", formFields(t, out[:second])["name"])
	assert.Equal(t, "b", formFields(t, out[second:])["name"])
}
