package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lychee-technology/objectbase/internal"
	"github.com/spf13/cobra"
)

type analyticsOptions struct {
	since  string
	days   int
	dbPath string
}

func newAnalyticsCmd(opts *rootOptions) *cobra.Command {
	aopts := &analyticsOptions{}
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print the record activity report",
		Long:  `Aggregate record creation per day, per user and per object type with DuckDB and print the report as JSON.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := aopts.window(time.Now())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			config, pool, err := opts.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			acfg := config.Analytics
			acfg.Enabled = true
			if aopts.dbPath != "" {
				acfg.DBPath = aopts.dbPath
			}
			duck, err := internal.NewDuckDBClient(acfg)
			if err != nil {
				return err
			}
			defer duck.Close()

			analytics := internal.NewDuckDBAnalytics(pool, duck, acfg.QueryTimeout, config.Query.BatchSize)
			report, err := analytics.Report(operatorContext(ctx), since)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&aopts.since, "since", "", "report start date (YYYY-MM-DD); overrides --days")
	cmd.Flags().IntVar(&aopts.days, "days", 30, "report window in days ending now")
	cmd.Flags().StringVar(&aopts.dbPath, "duckdb-path", "", "DuckDB database file (default in-memory)")
	return cmd
}

// window resolves the report start from --since or --days.
func (o *analyticsOptions) window(now time.Time) (time.Time, error) {
	if o.since != "" {
		since, err := time.Parse(time.DateOnly, o.since)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --since %q: expected YYYY-MM-DD", o.since)
		}
		return since, nil
	}
	if o.days <= 0 {
		return time.Time{}, fmt.Errorf("--days must be positive, got %d", o.days)
	}
	return now.UTC().AddDate(0, 0, -o.days), nil
}
