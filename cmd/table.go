package main

import (
	"io"
	"sort"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

func renderRuns(w io.Writer, runs []*models.RunLog) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Feed", "Stop Reason", "Scraped", "Pages", "Failed", "Duration"})

	total := 0
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.Feed,
			run.StopReason,
			run.ItemsScraped,
			run.Pages,
			run.FailedInserts,
			run.Duration.Round(time.Millisecond),
		})
		total += run.ItemsScraped
	}
	t.AppendFooter(table.Row{"", "Total", total})
	t.Render()
}

func renderFeeds(w io.Writer, feeds map[string]config.FeedConfig, lastRuns map[string]*models.RunLog) {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Feed", "Driver", "Table", "Category", "Max Pages", "Enabled", "Last Run", "Last Result"})

	for _, name := range names {
		feed := feeds[name]
		lastRun, lastResult := "never", ""
		if run := lastRuns[name]; run != nil {
			lastRun = run.StartTime.Local().Format("2006-01-02 15:04:05")
			lastResult = string(run.StopReason)
		}
		t.AppendRow(table.Row{
			name,
			feed.Driver,
			feed.Table,
			feed.Category,
			feed.MaxPages,
			!feed.Disabled,
			lastRun,
			lastResult,
		})
	}
	t.Render()
}
