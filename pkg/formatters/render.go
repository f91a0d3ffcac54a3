package formatters

import (
	"bytes"
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tabular"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Resolve returns the processor formatter is bound to and checks that it
// can render in the formatter's mode.
func Resolve(registry *Registry, formatter *models.Formatter) (Processor, Mode, error) {
	proc, ok := registry.Get(formatter.Processor)
	if !ok {
		return nil, "", ferrors.NewValidationError("processor", "unknown processor %q", formatter.Processor)
	}
	mode := Mode(formatter.Mode)
	if mode == "" {
		mode = ModeList
		if proc.Mode() == ModeDetail {
			mode = ModeDetail
		}
	}
	if mode != ModeList && mode != ModeDetail {
		return nil, "", ferrors.NewValidationError("mode", "unknown render mode %q", formatter.Mode)
	}
	if !proc.Mode().Supports(mode) {
		return nil, "", ferrors.NewValidationError("mode", "processor %s cannot render in %s mode", proc.Key(), mode)
	}
	return proc, mode, nil
}

// Render runs formatter over table. List mode renders the table once;
// detail mode renders each row on its own with record and page set, and
// concatenates the outputs.
func Render(
	ctx context.Context,
	registry *Registry,
	formatter *models.Formatter,
	table *tabular.Table,
	rctx *expressions.Context,
	template []byte,
) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "formatters.Render")
	defer span.End()

	proc, mode, err := Resolve(registry, formatter)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("processor", proc.Key()), attribute.String("mode", string(mode)))

	if proc.NeedsTemplate() && len(template) == 0 {
		return nil, ferrors.NewValidationError("template", "formatter %s requires a template document", formatter.Name)
	}
	if rctx == nil {
		rctx = &expressions.Context{}
	}
	if table == nil {
		table = tabular.New()
	}

	started := time.Now()
	out, err := render(ctx, proc, mode, formatter.Code, table, rctx, template)
	status := "success"
	if err != nil {
		status = "error"
		tracing.RecordError(ctx, err)
	}
	metrics.RecordRender(proc.Key(), status, time.Since(started).Seconds())
	return out, err
}

func render(
	ctx context.Context,
	proc Processor,
	mode Mode,
	code string,
	table *tabular.Table,
	rctx *expressions.Context,
	template []byte,
) ([]byte, error) {
	if mode == ModeList {
		return proc.Process(ctx, RenderContext{Table: table, Context: rctx, Code: code, Template: template})
	}

	var buf bytes.Buffer
	for i := range table.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := table.Record(i)
		page := i + 1
		row := &tabular.Table{Headers: table.Headers, Rows: table.Rows[i : i+1]}
		out, err := proc.Process(ctx, RenderContext{
			Table:    row,
			Context:  rctx.WithRecord(record, page),
			Code:     code,
			Template: template,
			Record:   record,
			Page:     page,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(out)
	}
	return buf.Bytes(), nil
}
