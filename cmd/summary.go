package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/rental-crawler/internal/crawler"
)

const urlColumnWidth = 60

// renderSummary prints one row per run record and the item counters.
func renderSummary(w io.Writer, result crawler.RunResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: urlColumnWidth},
	})
	t.AppendHeader(table.Row{"#", "URL", "Make", "Model", "Features", "Reviews"})
	for i, rec := range result.Records {
		t.AppendRow(table.Row{i + 1, rec.URL, rec.Make, rec.Model, len(rec.Features), len(rec.Reviews)})
	}
	c := result.Counters
	t.AppendFooter(table.Row{
		"Total", c.Total,
		fmt.Sprintf("fetched %d", c.Persisted),
		fmt.Sprintf("archived %d", c.Archived),
		fmt.Sprintf("resumed %d", c.Resumed),
		fmt.Sprintf("failed %d", c.Failed),
	})
	t.Render()
}
