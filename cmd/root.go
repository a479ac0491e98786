package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "adsb_pings",
	Short: "Find aircraft pings near a point in adsb.lol daily archives",
	Long: `Download the split tar archives that adsb.lol publishes every day as
GitHub releases and stream them, without unpacking, to find the aircraft
positions reported near a point of interest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addRootFlags(rootCmd.PersistentFlags())
}

// addRootFlags adds the flags every command accepts.
func addRootFlags(pf *pflag.FlagSet) {
	pf.String("config", "", "Path to config file (YAML)")
	pf.String("data-dir", "data", "Directory holding archive parts")
	pf.String("variant", "prod-0", "Release variant: prod-0, staging-0 or mlatonly-0")
	pf.String("repo", "", "Release repository, derived from the date's year when empty")
	pf.String("org", "adsblol", "Organisation owning the globe_history repositories")
	pf.String("api-url", "https://api.github.com", "GitHub API base URL")
	pf.String("token", "", "GitHub token, raises the API rate limit")
	pf.Int("concurrency", 3, "Parts downloaded at the same time (1-8)")
	pf.Duration("timeout", 30*time.Minute, "Timeout for one part download")
	pf.Int("retries", 2, "Retries per part after a transient failure")
	pf.Duration("retry-delay", 2*time.Second, "Delay before the first retry")
	pf.Duration("progress-interval", time.Second, "Minimum interval between progress logs")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("log-file", "", "Also write JSON logs to this file")
	pf.String("metrics-textfile", "", "Write run metrics to this Prometheus textfile")
}

// addQueryFlags adds the search flags shared by find and pipeline.
func addQueryFlags(fs *pflag.FlagSet) {
	fs.Float64("lat", 0, "Center latitude")
	fs.Float64("lon", 0, "Center longitude")
	fs.Float64("radius", 1, "Bounding box half-size in degrees")
	fs.Float64("max-dist", 161, "Maximum great-circle distance in km")
	fs.Float64("min-alt", 0, "Minimum barometric altitude in feet; excludes ground and unknown altitude")
	fs.Int64("limit", 0, "Stop after this many pings (0 = all)")
	fs.Bool("include-helicopters", true, "Keep rotorcraft pings")
	fs.String("out", "", "Write CSV to this file instead of stdout")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
