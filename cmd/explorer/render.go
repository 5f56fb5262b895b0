package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"explorer/internal/core"
	"explorer/internal/services"
	"explorer/internal/storage"
)

// printIngestResults writes one line per statement and returns the number
// of failures.
func printIngestResults(out io.Writer, results []services.IngestResult) int {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(tw, "FAIL\t%s\t%v\n", r.Filename, r.Err)
			continue
		}
		fmt.Fprintf(tw, "OK\t%s\t%d transactions added\n", r.Filename, r.Transactions)
	}
	tw.Flush()
	return failed
}

func printInsights(out io.Writer, r core.InsightsReport) {
	if r.Empty() {
		fmt.Fprintln(out, "No insights yet. Ingest a statement first.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	if len(r.CategorySummary) > 0 {
		fmt.Fprintln(out, "Spending by category")
		for _, c := range r.Categories() {
			fmt.Fprintf(tw, "  %s\t%s\t\n", c.Name, c.Amount)
		}
		fmt.Fprintf(tw, "  Total\t%s\t\n", r.Total())
		tw.Flush()
	}

	if len(r.Subscriptions) > 0 {
		fmt.Fprintln(out, "\nSubscriptions")
		for _, s := range r.Subscriptions {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%dx\t\n", s.Description, s.Amount, s.Provider, s.Occurrences)
		}
		tw.Flush()
	}

	if len(r.Anomalies) > 0 {
		fmt.Fprintln(out, "\nAnomalies")
		for _, a := range r.Anomalies {
			fmt.Fprintf(tw, "  [%s]\t%s\t%s\t%s\t%s\t\n", strings.ToUpper(a.Severity), a.Description, a.Merchant, a.Date, a.Amount)
		}
		tw.Flush()
	}

	for _, series := range []struct {
		name   string
		points []core.TrendPoint
	}{
		{"Monthly trend", r.Trends.Monthly},
		{"Weekly trend", r.Trends.Weekly},
		{"Daily trend", r.Trends.Daily},
	} {
		if len(series.points) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s\n", series.name)
		for _, p := range series.points {
			fmt.Fprintf(tw, "  %s\t%s\t\n", p.Label(), p.Amount)
		}
		tw.Flush()
	}
}

func printHistory(out io.Writer, records []storage.JobRecord, counts map[string]int64) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tAPPLICATION\tSTATUS\tDURATION\tREQUEST\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime),
			r.Application,
			r.Status,
			r.Duration().Round(time.Millisecond),
			r.RequestID,
			truncate(r.Message, 60))
	}
	tw.Flush()

	var parts []string
	for _, status := range []string{"success", "failure", "timeout", "rejected", "malformed", "transport_error", "cancelled", "error"} {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	fmt.Fprintf(out, "\n%s\n", strings.Join(parts, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
