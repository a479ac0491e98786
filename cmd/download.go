package cmd

import (
	"adsb_pings/internal/pipeline"
	"adsb_pings/internal/sink"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the archive parts of a date or date range",
	Long: `Download every part of the daily release of each date into the data
directory. Parts already present with the expected size are skipped, so an
interrupted download can simply be run again.`,
	Example: `  adsb_pings download --date 2024-12-30
  adsb_pings download --start-date 2024-12-28 --end-date 2024-12-30 --concurrency 4`,
	Args: cobra.NoArgs,
	RunE: runDownload,
}

func init() {
	fs := downloadCmd.Flags()
	fs.String("date", "", "Date to download (YYYY-MM-DD)")
	fs.String("start-date", "", "First date to download (YYYY-MM-DD)")
	fs.String("end-date", "", "Last date to download, inclusive (YYYY-MM-DD)")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, _ []string) error {
	r, err := startRun(cmd)
	if err != nil {
		return err
	}
	r.cfg.Query.DownloadOnly = true

	dates, err := r.cfg.Query.DateRange()
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
	report, err := p.RunToWriter(ctx, dates, &sink.Counter{})
	return r.finish(report, err)
}
