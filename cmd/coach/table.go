package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"salescoach/api/internal/content"
)

// summaryTable is the rounded table the CLI prints. Columns from Numeric on
// hold counts and are right aligned.
type summaryTable struct {
	Title   string
	Headers []string
	Rows    [][]string
	Footer  []string
	Numeric int
}

func (s summaryTable) render() string {
	columns := len(s.Headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if s.Title != "" {
		tw.SetTitle(s.Title)
	}
	tw.AppendHeader(cells(s.Headers, columns))
	for _, row := range s.Rows {
		tw.AppendRow(cells(row, columns))
	}
	if len(s.Footer) > 0 {
		tw.AppendFooter(cells(s.Footer, columns))
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if s.Numeric > 0 && i >= s.Numeric {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignFooter: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// cells fits values to the column count; missing trailing cells are blank.
func cells(values []string, columns int) table.Row {
	row := make(table.Row, columns)
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
		} else {
			row[i] = ""
		}
	}
	return row
}

// countsTable lists active records per kind with a total.
func countsTable(teamID string, counts map[content.Kind]int) summaryTable {
	t := summaryTable{Headers: []string{"Kind", "Active"}, Numeric: 1}
	if teamID != "" {
		t.Title = "Team " + teamID
	}
	total := 0
	for _, kind := range content.Kinds {
		t.Rows = append(t.Rows, []string{string(kind), strconv.Itoa(counts[kind])})
		total += counts[kind]
	}
	t.Footer = []string{"Total", strconv.Itoa(total)}
	return t
}
