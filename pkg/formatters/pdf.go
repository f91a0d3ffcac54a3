package formatters

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-pdf/fpdf"
)

type pdfProcessor struct {
	base
}

// PDF lays the rendered text template out on A4 pages.
func PDF() Processor {
	return pdfProcessor{base{key: "pdf", label: "PDF", suffix: "pdf", mode: ModeBoth}}
}

func (p pdfProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	text, err := renderText(p.key, rc)
	if err != nil {
		return nil, err
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle(pdfTitle(rc), true)
	doc.SetFont("Helvetica", "", 11)
	doc.AddPage()
	// core fonts are cp1252
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.MultiCell(0, 5, tr(string(text)), "", "L", false)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func pdfTitle(rc RenderContext) string {
	if rc.Context == nil {
		return ""
	}
	return rc.Context.Title
}
