package formatters

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/tabular"
)

type tabularProcessor struct {
	base
	export func(*tabular.Table) ([]byte, error)
}

func (p tabularProcessor) Process(_ context.Context, rc RenderContext) ([]byte, error) {
	table := rc.Table
	if table == nil {
		table = tabular.New()
	}
	return p.export(table)
}

func newTabular(key, label string, export func(*tabular.Table) ([]byte, error)) Processor {
	return tabularProcessor{
		base:   base{key: key, label: label, suffix: key, mode: ModeBoth},
		export: export,
	}
}

func CSV() Processor  { return newTabular("csv", "CSV", tabular.CSV) }
func XLS() Processor  { return newTabular("xls", "Excel 97-2003", tabular.XLS) }
func XLSX() Processor { return newTabular("xlsx", "Excel", tabular.XLSX) }
func JSON() Processor { return newTabular("json", "JSON", tabular.JSON) }
func YAML() Processor { return newTabular("yaml", "YAML", tabular.YAML) }
