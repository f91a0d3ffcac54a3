package formatters

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/alexmullins/zip"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/expressions"
)

type docxProcessor struct {
	base
	template *expressions.Template
}

// DOCX merges the render context into a bound Word document. Placeholders
// are {{ expression }} inside the document, header and footer parts; ones
// that do not resolve are left as written.
func DOCX() Processor {
	return docxProcessor{
		base:     base{key: "docx", label: "Word document", suffix: "docx", mode: ModeBoth, template: true},
		template: expressions.NewTemplate(nil),
	}
}

func (p docxProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	if len(rc.Template) == 0 {
		return nil, ferrors.NewValidationError("template", "docx formatter requires a template document")
	}
	src, err := zip.NewReader(bytes.NewReader(rc.Template), int64(len(rc.Template)))
	if err != nil {
		return nil, ferrors.NewValidationError("template", "template is not a docx archive: %v", err)
	}

	data := rc.Data()
	var buf bytes.Buffer
	dst := zip.NewWriter(&buf)
	for _, f := range src.File {
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if mergeable(f.Name) {
			// unresolved placeholders stay in the output
			merged, _ := p.template.RenderEscaped(string(content), data, escapeXML)
			content = []byte(merged)
		}
		w, err := dst.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish docx: %w", err)
	}
	return buf.Bytes(), nil
}

func mergeable(name string) bool {
	if path.Ext(name) != ".xml" || !strings.HasPrefix(name, "word/") {
		return false
	}
	base := path.Base(name)
	return base == "document.xml" || strings.HasPrefix(base, "header") || strings.HasPrefix(base, "footer")
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
