package queries

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/parametrizer"
	"github.com/Ramsey-B/fern/pkg/tabular"
	"github.com/Ramsey-B/fern/pkg/tenant"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Refresh re-runs the source query of p and replaces its value with the
// distinct values of the first column, in row order.
func (e *Engine) Refresh(ctx context.Context, p *models.Parametrizer) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.Refresh")
	defer span.End()

	if p.SourceQueryID == nil {
		return nil
	}
	source, err := e.repos.Queries.GetByID(ctx, *p.SourceQueryID)
	if err != nil {
		return err
	}
	res, err := e.Execute(ctx, source, map[string]any{}, ExecuteOptions{Preview: true, Scope: tenant.Unscoped()})
	if err != nil {
		return err
	}

	values := []any{}
	if res.Table.Len() > 0 && len(res.Table.Headers) > 0 {
		seen := map[string]bool{}
		for _, v := range res.Table.Column(0) {
			k := tabular.FormatValue(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			values = append(values, v)
		}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode parametrizer values: %w", err)
	}
	if err := parametrizer.Validate(p.Code, raw); err != nil {
		return err
	}
	if err := e.repos.Parametrizers.SetValue(ctx, p.ID, raw); err != nil {
		return err
	}
	p.Value.Data = raw

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"parametrizer": p.Code,
		"values":       len(values),
	}).Info("parametrizer refreshed")
	return nil
}
