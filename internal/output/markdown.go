package output

import (
	"strings"
)

// MarkdownFormatter renders rows as a markdown table.
type MarkdownFormatter struct{}

// Format renders a Tabular value as Markdown.
func (f *MarkdownFormatter) Format(value any) (string, error) {
	tab, err := asTabular(value)
	if err != nil {
		return "", err
	}

	columns := tab.Columns()
	var sb strings.Builder
	writeMarkdownRow(&sb, columns)
	sb.WriteString("|")
	for range columns {
		sb.WriteString("---|")
	}
	sb.WriteString("\n")
	for _, row := range tab.Rows() {
		writeMarkdownRow(&sb, row)
	}
	return sb.String(), nil
}

func writeMarkdownRow(sb *strings.Builder, cells []string) {
	sb.WriteString("|")
	for _, cell := range cells {
		sb.WriteString(" ")
		sb.WriteString(escapeMarkdownCell(cell))
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}
