package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"adsb_pings/internal/config"
	"adsb_pings/internal/geo"
	"adsb_pings/internal/metrics"
	"adsb_pings/internal/partstore"
	"adsb_pings/internal/pipeline"
	"adsb_pings/internal/release"
	"adsb_pings/internal/retry"
	"adsb_pings/internal/sink"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// run is the state every command builds once configuration is loaded.
type run struct {
	cfg     *config.Config
	metrics *metrics.Recorder
	logFile io.Closer
}

// startRun loads configuration from the command's flags and sets up logging.
func startRun(cmd *cobra.Command) (*run, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logFile, err := initLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.Default().With(
		slog.String("run_id", uuid.New().String()),
		slog.String("command", cmd.Name()),
	))

	return &run{cfg: cfg, metrics: metrics.NewRecorder(), logFile: logFile}, nil
}

// newStore opens the part cache. Offline stores cannot download.
func (r *run) newStore(online bool) (*partstore.Store, error) {
	var fetcher partstore.Fetcher
	if online {
		fetcher = partstore.NewHTTPFetcher(partstore.FetcherOptions{
			Token:            r.cfg.Token,
			APIURL:           r.cfg.APIURL,
			Timeout:          r.cfg.Download.Timeout,
			Progress:         logProgress,
			ProgressInterval: r.cfg.Download.ProgressInterval,
		})
	}
	return partstore.NewStore(r.cfg.DataDir, fetcher)
}

func (r *run) newLocator() *release.Locator {
	return release.NewLocator(r.cfg.APIURL, r.cfg.Org, r.cfg.Token)
}

// options translates configuration into pipeline options. Without a
// result limit every part is needed, so fetching runs as far ahead as
// concurrency allows; with a limit a part is fetched only when reached.
func (r *run) options() pipeline.Options {
	q := r.cfg.Query
	lookahead := 0
	if q.Limit == 0 || q.DownloadOnly {
		lookahead = -1
	}
	return pipeline.Options{
		Variant: r.cfg.Variant,
		Repo:    r.cfg.Repo,
		Filter: geo.Filter{
			Center:            geo.Point{Latitude: q.Latitude, Longitude: q.Longitude},
			BoxRadiusDeg:      q.RadiusDeg,
			MaxDistKm:         q.MaxDistKm,
			MinAltitudeFt:     q.MinAltitudeFt,
			IncludeRotorcraft: q.IncludeHelicopters,
		},
		Limit:        q.Limit,
		DownloadOnly: q.DownloadOnly,
		Batch: partstore.BatchOptions{
			Concurrency: r.cfg.Download.Concurrency,
			Lookahead:   lookahead,
			Retry: retry.Config{
				MaxRetries:   r.cfg.Download.Retries,
				InitialDelay: r.cfg.Download.RetryDelay,
				MaxDelay:     retry.DefaultConfig().MaxDelay,
				Multiplier:   retry.DefaultConfig().Multiplier,
			},
		},
	}
}

// output opens the CSV destination: the out file, or stdout.
func (r *run) output() (*sink.CSVWriter, error) {
	if r.cfg.Query.Out == "" {
		return sink.NewCSVWriter(os.Stdout), nil
	}
	return sink.CreateCSV(r.cfg.Query.Out)
}

// finish logs the report, exports metrics and closes the log file. It
// returns runErr, or the combined per-date errors when every date failed.
func (r *run) finish(report *pipeline.Report, runErr error) error {
	if report != nil {
		report.Log(slog.Default())
	}
	if path := r.cfg.Metrics.Textfile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			slog.Error("Failed to write metrics textfile", "path", path, "error", err)
		}
	}
	defer r.logFile.Close()

	if runErr != nil {
		return runErr
	}
	if report != nil && len(report.Dates) > 0 && len(report.Skipped()) == len(report.Dates) {
		return fmt.Errorf("no date could be processed: %w", report.Err())
	}
	return nil
}

// searchWith runs search against the CSV output and closes it.
func (r *run) searchWith(ctx context.Context, search func(context.Context, sink.Writer) (*pipeline.Report, error)) error {
	out, err := r.output()
	if err != nil {
		return r.finish(nil, err)
	}
	report, runErr := search(ctx, out)
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close output: %w", err)
	}
	if runErr == nil {
		slog.Info("Pings written", "rows", out.Rows(), "out", outName(r.cfg.Query.Out))
	}
	return r.finish(report, runErr)
}

func outName(path string) string {
	if path == "" {
		return "stdout"
	}
	return path
}

// logProgress reports part download progress.
func logProgress(name string, done, total int64) {
	attrs := []any{"part", name, "mb", fmt.Sprintf("%.1f", float64(done)/1e6)}
	if total > 0 {
		attrs = append(attrs, "percent", fmt.Sprintf("%.0f", 100*float64(done)/float64(total)))
	}
	slog.Info("Downloading part", attrs...)
}
