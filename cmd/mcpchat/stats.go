package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/audit"
)

func newStatsCmd(stdout io.Writer, g *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded tool calls",
		Long: `Summarize the tool calls recorded in the audit ledger, per tool and
per error kind. Requires audit.enabled in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if !cfg.Audit.Enabled {
				return errors.New("audit is disabled: set audit.enabled and audit.path in the config")
			}

			store, err := audit.NewStore(cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			end := time.Now()
			return printStats(cmd, stdout, store, end.Add(-since), end)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to summarize")
	return cmd
}

func printStats(cmd *cobra.Command, w io.Writer, store *audit.Store, start, end time.Time) error {
	ctx := cmd.Context()

	total, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byTool, err := store.SummaryByTool(ctx, start, end)
	if err != nil {
		return err
	}
	byKind, err := store.SummaryByErrorKind(ctx, start, end)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Tool calls since %s: %d (%d failed, avg %.0fms)\n",
		start.Format(time.RFC3339), total.TotalCalls, total.Failures, total.AvgDurationMs)
	if total.TotalCalls == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS\tFAILED\tAVG MS")
	for _, name := range sortedKeys(byTool) {
		s := byTool[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f\n", name, s.TotalCalls, s.Failures, s.AvgDurationMs)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if total.Failures == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ERROR KIND\tCALLS")
	for _, kind := range sortedKeys(byKind) {
		if kind == "" {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\n", kind, byKind[kind].TotalCalls)
	}
	return tw.Flush()
}

func sortedKeys(m map[string]*audit.Summary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
