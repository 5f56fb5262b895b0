package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"explorer/internal/amqp"
	"explorer/internal/cli"
	"explorer/internal/core"
)

func newIngestCmd() *cobra.Command {
	var (
		async   bool
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload PDF statements for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statements, err := readStatements(args)
			if err != nil {
				return err
			}

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := cli.SignalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			if async {
				if a.cfg.AMQPURL == "" {
					return errors.New("--async requires AMQP_URL")
				}
				client, err := amqp.NewClient(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.cfg.AMQPQueue, a.logger)
				if err != nil {
					return err
				}
				defer client.Close()

				for _, st := range statements {
					msg := amqp.NewIngestMessage(st)
					if err := client.PublishIngest(ctx, msg); err != nil {
						return fmt.Errorf("queue %s: %w", st.BaseName(), err)
					}
					fmt.Fprintf(out, "queued\t%s\t%s\n", msg.Filename, msg.ID)
				}
				return nil
			}

			results := a.svc.IngestAll(ctx, statements)
			failed := printIngestResults(out, results)
			if refresh && failed < len(results) {
				report, err := a.svc.Insights(ctx, true)
				if err != nil {
					a.logger.Warn("Failed to refresh insights", "error", err)
				} else {
					printInsights(out, report)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d statements failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue statements for the ingestion worker instead of waiting")
	cmd.Flags().BoolVar(&refresh, "refresh-insights", false, "Refresh and print insights after a successful ingestion")
	return cmd
}

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query QUESTION...",
		Short: "Ask a question about your transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := cli.SignalContext()
			defer cancel()

			answer, err := a.svc.Query(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}

func newInsightsCmd() *cobra.Command {
	var (
		refresh bool
		demo    bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Show spending insights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh && demo {
				return errors.New("--refresh and --demo are mutually exclusive")
			}

			var report core.InsightsReport
			if demo {
				report = core.DemoInsights()
			} else {
				a, err := newApp(true)
				if err != nil {
					return err
				}
				defer a.Close()

				ctx, cancel := cli.SignalContext()
				defer cancel()

				if report, err = a.svc.Insights(ctx, refresh); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printInsights(out, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Recompute insights instead of using cached results")
	cmd.Flags().BoolVar(&demo, "demo", false, "Show the built-in sample report without contacting the API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw report as JSON")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := cli.InitHistory(a.logger, a.cfg.HistoryDBPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx, cancel := cli.SignalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := repo.PruneOlderThan(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d jobs\n", n)
			}

			records, err := repo.ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			counts, err := repo.CountByStatus(ctx)
			if err != nil {
				return err
			}
			printHistory(out, records, counts)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to list")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete jobs older than this before listing (e.g. 720h)")
	return cmd
}

func readStatements(paths []string) ([]core.Statement, error) {
	statements := make([]core.Statement, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read statement: %w", err)
		}
		st := core.Statement{
			Filename:    path,
			ContentType: core.DetectContentType(path, data),
			Data:        data,
		}
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		statements = append(statements, st)
	}
	return statements, nil
}
