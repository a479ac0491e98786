package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"adsb_pings/internal/models"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ADSB_PINGS_DATA_DIR.
const EnvPrefix = "ADSB_PINGS"

// ConfigPathEnv names the environment variable holding a config file path.
const ConfigPathEnv = EnvPrefix + "_CONFIG_PATH"

// Config holds all configuration for a run
type Config struct {
	DataDir string
	Variant models.Variant
	Repo    string // overrides the derived {org}/globe_history_{year}
	Org     string
	APIURL  string
	Token   string

	Download DownloadConfig
	Log      LogConfig
	Metrics  MetricsConfig
	Query    QueryConfig
}

// DownloadConfig holds part download settings
type DownloadConfig struct {
	Concurrency      int
	Timeout          time.Duration
	Retries          int
	RetryDelay       time.Duration
	ProgressInterval time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	File   string // optional extra JSON log file
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string
}

// QueryConfig holds the search parameters.
type QueryConfig struct {
	Latitude           float64
	Longitude          float64
	HasCenter          bool
	RadiusDeg          float64
	MaxDistKm          float64
	MinAltitudeFt      *float64
	Date               string
	StartDate          string
	EndDate            string
	Limit              int64
	IncludeHelicopters bool
	Out                string
	DownloadOnly       bool
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"data-dir":            "data_dir",
	"variant":             "variant",
	"repo":                "repo",
	"org":                 "org",
	"api-url":             "api_url",
	"token":               "token",
	"concurrency":         "download.concurrency",
	"timeout":             "download.timeout",
	"retries":             "download.retries",
	"retry-delay":         "download.retry_delay",
	"progress-interval":   "download.progress_interval",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"log-file":            "log.file",
	"metrics-textfile":    "metrics.textfile",
	"lat":                 "query.lat",
	"lon":                 "query.lon",
	"radius":              "query.radius",
	"max-dist":            "query.max_dist",
	"min-alt":             "query.min_alt",
	"date":                "query.date",
	"start-date":          "query.start_date",
	"end-date":            "query.end_date",
	"limit":               "query.limit",
	"include-helicopters": "query.include_helicopters",
	"out":                 "query.out",
	"download-only":       "query.download_only",
}

// Load loads configuration from the config file, environment variables
// and the flags in fs that were set on the command line. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "data")
	v.SetDefault("variant", string(models.VariantProd))
	v.SetDefault("repo", "")
	v.SetDefault("org", "adsblol")
	v.SetDefault("api_url", "https://api.github.com")
	v.SetDefault("token", "")
	v.SetDefault("download.concurrency", 3)
	v.SetDefault("download.timeout", 30*time.Minute)
	v.SetDefault("download.retries", 2)
	v.SetDefault("download.retry_delay", 2*time.Second)
	v.SetDefault("download.progress_interval", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("query.radius", 1.0)
	v.SetDefault("query.max_dist", 161.0)
	v.SetDefault("query.limit", 0)
	v.SetDefault("query.include_helicopters", true)
	v.SetDefault("query.download_only", false)

	// Set config file name and type
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Set config file search paths
	v.AddConfigPath("/etc/adsb_pings")
	v.AddConfigPath(".")

	// An explicit --config flag wins over the environment variable
	configPath := os.Getenv(ConfigPathEnv)
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			configPath = f.Value.String()
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file (if it exists)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Set environment variable prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	variant, err := models.ParseVariant(v.GetString("variant"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Build config struct
	cfg := &Config{
		DataDir: v.GetString("data_dir"),
		Variant: variant,
		Repo:    v.GetString("repo"),
		Org:     v.GetString("org"),
		APIURL:  v.GetString("api_url"),
		Token:   v.GetString("token"),
		Download: DownloadConfig{
			Concurrency:      v.GetInt("download.concurrency"),
			Timeout:          v.GetDuration("download.timeout"),
			Retries:          v.GetInt("download.retries"),
			RetryDelay:       v.GetDuration("download.retry_delay"),
			ProgressInterval: v.GetDuration("download.progress_interval"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
			File:   v.GetString("log.file"),
		},
		Metrics: MetricsConfig{
			Textfile: v.GetString("metrics.textfile"),
		},
		Query: QueryConfig{
			Latitude:           v.GetFloat64("query.lat"),
			Longitude:          v.GetFloat64("query.lon"),
			HasCenter:          v.IsSet("query.lat") && v.IsSet("query.lon"),
			RadiusDeg:          v.GetFloat64("query.radius"),
			MaxDistKm:          v.GetFloat64("query.max_dist"),
			Date:               v.GetString("query.date"),
			StartDate:          v.GetString("query.start_date"),
			EndDate:            v.GetString("query.end_date"),
			Limit:              v.GetInt64("query.limit"),
			IncludeHelicopters: v.GetBool("query.include_helicopters"),
			Out:                v.GetString("query.out"),
			DownloadOnly:       v.GetBool("query.download_only"),
		},
	}
	if v.IsSet("query.min_alt") {
		minAlt := v.GetFloat64("query.min_alt")
		cfg.Query.MinAltitudeFt = &minAlt
	}

	// Validate configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// bindFlags binds only the flags given on the command line, so flag
// defaults never shadow the config file or the environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// validate validates the configuration values
func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if cfg.Download.Concurrency < 1 || cfg.Download.Concurrency > 8 {
		return fmt.Errorf("download.concurrency must be between 1 and 8")
	}

	if cfg.Download.Timeout <= 0 {
		return fmt.Errorf("download.timeout must be greater than 0")
	}

	if cfg.Download.Retries < 0 {
		return fmt.Errorf("download.retries must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[cfg.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", cfg.Log.Format)
	}

	q := cfg.Query
	if q.Latitude < -90 || q.Latitude > 90 {
		return fmt.Errorf("lat must be between -90 and 90, got %v", q.Latitude)
	}
	if q.Longitude < -180 || q.Longitude > 180 {
		return fmt.Errorf("lon must be between -180 and 180, got %v", q.Longitude)
	}
	if q.RadiusDeg <= 0 {
		return fmt.Errorf("radius must be greater than 0")
	}
	if q.MaxDistKm <= 0 {
		return fmt.Errorf("max-dist must be greater than 0")
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	for name, value := range map[string]string{"date": q.Date, "start-date": q.StartDate, "end-date": q.EndDate} {
		if value == "" {
			continue
		}
		if _, err := models.ParseDate(value); err != nil {
			return fmt.Errorf("invalid %s %q: expected YYYY-MM-DD", name, value)
		}
	}

	return nil
}

// RequireCenter fails unless both lat and lon were given.
func (q QueryConfig) RequireCenter() error {
	if !q.HasCenter {
		return fmt.Errorf("lat and lon are required")
	}
	return nil
}

// DateRange resolves --date or --start-date/--end-date into a range. A
// single --date is a one-day range; a missing end date equals the start.
func (q QueryConfig) DateRange() (models.DateRange, error) {
	startStr, endStr := q.StartDate, q.EndDate
	if q.Date != "" {
		if startStr != "" || endStr != "" {
			return models.DateRange{}, fmt.Errorf("use either date or start-date/end-date, not both")
		}
		startStr, endStr = q.Date, q.Date
	}
	if startStr == "" {
		return models.DateRange{}, fmt.Errorf("a date or start-date is required")
	}
	if endStr == "" {
		endStr = startStr
	}

	start, err := models.ParseDate(startStr)
	if err != nil {
		return models.DateRange{}, err
	}
	end, err := models.ParseDate(endStr)
	if err != nil {
		return models.DateRange{}, err
	}
	return models.NewDateRange(start, end)
}
