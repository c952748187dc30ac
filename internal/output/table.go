package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders rows as a rounded ASCII table.
type TableFormatter struct{}

// Format renders a Tabular value as a table.
func (f *TableFormatter) Format(value any) (string, error) {
	tab, err := asTabular(value)
	if err != nil {
		return "", err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(toRow(tab.Columns()))

	rows := tab.Rows()
	for _, row := range rows {
		t.AppendRow(toRow(row))
	}
	if footer, ok := value.(interface{ Footer() []string }); ok {
		if cells := footer.Footer(); len(cells) > 0 {
			t.AppendFooter(toRow(cells))
		}
	}

	return t.Render(), nil
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, cell := range cells {
		row[i] = cell
	}
	return row
}
