package expressions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/expressions"
)

func TestTemplate_Render(t *testing.T) {
	tmpl := expressions.NewTemplate(nil)
	ctx := &expressions.Context{
		Arguments: map[string]any{"year": 2024, "office": "ke"},
		Extra:     map[string]any{"totals": map[string]any{"count": 3}},
		Report:    map[string]any{"name": "monthly"},
	}

	out, err := tmpl.Render("{{ office }} {{year}} ({{ totals.count }} rows)", ctx.ToMap())
	require.NoError(t, err)
	assert.Equal(t, "ke 2024 (3 rows)", out)

	out, err = tmpl.Render("report {{ report.name }}", ctx.ToMap())
	require.NoError(t, err)
	assert.Equal(t, "report monthly", out)
}

func TestTemplate_MissingKeyFallsBack(t *testing.T) {
	tmpl := expressions.NewTemplate(nil)
	data := (&expressions.Context{Arguments: map[string]any{"year": 2024}}).ToMap()

	_, err := tmpl.Render("{{ office }} {{ year }}", data)
	assert.ErrorIs(t, err, expressions.ErrMissingKey)
	assert.Equal(t, "{{ office }} {{ year }}", tmpl.RenderOrRaw("{{ office }} {{ year }}", data))

	_, err = tmpl.Render("{{ [ }}", data)
	assert.Error(t, err)
}

func TestContext_ReportValuesWin(t *testing.T) {
	ctx := &expressions.Context{
		Arguments: map[string]any{"label": "args"},
		Extra:     map[string]any{"label": "extra"},
		Values:    map[string]any{"label": "report"},
	}
	m := ctx.ToMap()
	assert.Equal(t, "report", m["label"])

	page := ctx.WithRecord(map[string]any{"id": 7}, 2).ToMap()
	assert.Equal(t, float64(7), page["record"].(map[string]any)["id"])
	assert.Equal(t, float64(2), page["page"])
	assert.Nil(t, ctx.Record)
}

func TestExtractExpressions(t *testing.T) {
	assert.True(t, expressions.HasTemplates("a {{ b }}"))
	assert.False(t, expressions.HasTemplates("plain"))
	assert.Equal(t, []string{"b", "c.d"}, expressions.ExtractExpressions("{{ b }} and {{c.d}}"))
}
