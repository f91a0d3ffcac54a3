package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// FormatValue renders a cell as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(NaiveLayout)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

func CSV(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Headers); err != nil {
		return nil, err
	}
	record := make([]string, len(t.Headers))
	for _, row := range t.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = FormatValue(row[i])
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// FromCSV parses CSV written by CSV. Every cell comes back as a string.
func FromCSV(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return New(), nil
	}
	t := New(records[0]...)
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// JSON exports t as a list of records in header order. A scalar table
// exports as a flat list of its values.
func JSON(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range t.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		if t.Scalar() {
			if err := writeJSON(&buf, cell(row, 0)); err != nil {
				return nil, err
			}
			continue
		}
		buf.WriteByte('{')
		for j, h := range t.Headers {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(&buf, h); err != nil {
				return nil, err
			}
			buf.WriteByte(':')
			if err := writeJSON(&buf, cell(row, j)); err != nil {
				return nil, err
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(jsonValue(v))
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func cell(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}

// YAML exports t like JSON, keeping header order.
func YAML(t *Table) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.SequenceNode}
	for _, row := range t.Rows {
		if t.Scalar() {
			item := &yaml.Node{}
			if err := item.Encode(jsonValue(cell(row, 0))); err != nil {
				return nil, err
			}
			doc.Content = append(doc.Content, item)
			continue
		}
		rec := &yaml.Node{Kind: yaml.MappingNode}
		for j, h := range t.Headers {
			value := &yaml.Node{}
			if err := value.Encode(jsonValue(cell(row, j))); err != nil {
				return nil, err
			}
			rec.Content = append(rec.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: h}, value)
		}
		doc.Content = append(doc.Content, rec)
	}
	return yaml.Marshal(doc)
}

const sheetName = "Sheet1"

func XLSX(t *Table) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	header := make([]any, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, err
	}
	for i, row := range t.Rows {
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = xlsxValue(v)
		}
		if err := f.SetSheetRow(sheetName, axis, &values); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xlsxValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	default:
		return FormatValue(v)
	}
}

// XLS exports t as a SpreadsheetML 2003 workbook, which spreadsheet
// applications open as a legacy .xls document.
func XLS(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<?mso-application progid="Excel.Sheet"?>` + "\n")
	buf.WriteString(`<Workbook xmlns="urn:schemas-microsoft-com:office:spreadsheet" xmlns:ss="urn:schemas-microsoft-com:office:spreadsheet">` + "\n")
	buf.WriteString(`<Worksheet ss:Name="` + sheetName + `"><Table>` + "\n")

	writeRow := func(values []any) error {
		buf.WriteString("<Row>")
		for _, v := range values {
			kind := "String"
			switch v.(type) {
			case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				kind = "Number"
			case bool:
				kind = "Boolean"
				if v.(bool) {
					v = 1
				} else {
					v = 0
				}
			}
			buf.WriteString(`<Cell><Data ss:Type="` + kind + `">`)
			if err := xml.EscapeText(&buf, []byte(FormatValue(v))); err != nil {
				return err
			}
			buf.WriteString("</Data></Cell>")
		}
		buf.WriteString("</Row>\n")
		return nil
	}

	header := make([]any, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = h
	}
	if err := writeRow(header); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		if err := writeRow(row); err != nil {
			return nil, err
		}
	}

	buf.WriteString("</Table></Worksheet>\n</Workbook>\n")
	return buf.Bytes(), nil
}
