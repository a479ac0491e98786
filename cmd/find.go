package cmd

import (
	"context"

	"adsb_pings/internal/pipeline"
	"adsb_pings/internal/sink"

	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Search archive parts already on disk",
	Long: `Stream the split archives in the data directory and write the pings
near --lat/--lon as CSV. Nothing is downloaded. With --date only that date's
parts are searched, otherwise every archive in the data directory is.`,
	Example: `  adsb_pings find --lat 43.0755 --lon -89.4155 --date 2024-12-30 --out pings.csv
  adsb_pings find --lat 43.0755 --lon -89.4155 --max-dist 50 --min-alt 1000 --limit 100`,
	Args: cobra.NoArgs,
	RunE: runFind,
}

func init() {
	fs := findCmd.Flags()
	addQueryFlags(fs)
	fs.String("date", "", "Only search the parts of this date (YYYY-MM-DD)")
	rootCmd.AddCommand(findCmd)
}

func runFind(cmd *cobra.Command, _ []string) error {
	r, err := startRun(cmd)
	if err != nil {
		return err
	}
	q := r.cfg.Query
	if err := q.RequireCenter(); err != nil {
		return r.finish(nil, err)
	}
	store, err := r.newStore(false)
	if err != nil {
		return r.finish(nil, err)
	}

	ctx, cancel := handleSignals(cmd.Context())
	defer cancel()

	p := pipeline.New(nil, store, r.metrics, r.options())
	if q.Date == "" && q.StartDate == "" {
		return r.searchWith(ctx, p.RunLocalToWriter)
	}

	dates, err := q.DateRange()
	if err != nil {
		return r.finish(nil, err)
	}
	return r.searchWith(ctx, func(ctx context.Context, w sink.Writer) (*pipeline.Report, error) {
		return p.RunToWriter(ctx, dates, w)
	})
}
