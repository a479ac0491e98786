package cmd

import (
	"context"

	"adsb_pings/internal/pipeline"
	"adsb_pings/internal/sink"

	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Download and search a date range in one pass",
	Long: `For each date from --start-date to --end-date, locate the day's release,
download its parts and stream them for pings near --lat/--lon. A date
without a release falls back to parts already on disk; a date with neither
is reported and skipped. Pings are written in archive order, not sorted by
time, and the run stops as soon as --limit pings were written.`,
	Example: `  adsb_pings pipeline --start-date 2024-12-28 --end-date 2024-12-30 --lat 43.0755 --lon -89.4155 --out pings.csv
  adsb_pings pipeline --start-date 2024-12-30 --download-only`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	fs := pipelineCmd.Flags()
	addQueryFlags(fs)
	fs.String("start-date", "", "First date (YYYY-MM-DD)")
	fs.String("end-date", "", "Last date, inclusive (YYYY-MM-DD); defaults to the start date")
	fs.Bool("download-only", false, "Only download parts, skip the search")
	rootCmd.AddCommand(pipelineCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	r, err := startRun(cmd)
	if err != nil {
		return err
	}
	q := r.cfg.Query
	if !q.DownloadOnly {
		if err := q.RequireCenter(); err != nil {
			return r.finish(nil, err)
		}
	}
	dates, err := q.DateRange()
	if err != nil {
		return r.finish(nil, err)
	}
	store, err := r.newStore(true)
	if err != nil {
		return r.finish(nil, err)
	}

	ctx, cancel := handleSignals(cmd.Context())
	defer cancel()

	p := pipeline.New(r.newLocator(), store, r.metrics, r.options())
	if q.DownloadOnly {
		report, err := p.RunToWriter(ctx, dates, &sink.Counter{})
		return r.finish(report, err)
	}
	return r.searchWith(ctx, func(ctx context.Context, w sink.Writer) (*pipeline.Report, error) {
		return p.RunToWriter(ctx, dates, w)
	})
}
