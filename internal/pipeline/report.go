package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"adsb_pings/internal/geo"
	"adsb_pings/internal/models"
	"adsb_pings/internal/traces"

	"github.com/hashicorp/go-multierror"
)

// DateStatus says how a date was served.
type DateStatus string

const (
	// StatusRelease means parts came from the published release.
	StatusRelease DateStatus = "release"
	// StatusFallback means the release was unavailable and local parts were used.
	StatusFallback DateStatus = "fallback"
	// StatusLocal means a local archive was searched without any release lookup.
	StatusLocal DateStatus = "local"
	// StatusSkipped means neither a release nor local parts were available.
	StatusSkipped DateStatus = "skipped"
	// StatusFailed means processing started but could not finish.
	StatusFailed DateStatus = "failed"
)

// maxDecodeSamples bounds how many snapshot decode errors a report keeps.
const maxDecodeSamples = 20

// DateOutcome is the result of processing one date.
type DateOutcome struct {
	Date     models.Date
	Status   DateStatus
	Source   string // release tag, data directory on fallback, or local archive name
	Parts    int
	Entries  int64
	Accepted int64
	Err      error // why the date was skipped, failed, or fell back
}

// Report summarises a run. Per-date and per-entry problems end up here
// instead of aborting the run.
type Report struct {
	mu sync.Mutex

	Dates []DateOutcome

	PartsDownloaded int
	PartsPresent    int
	BytesDownloaded int64

	EntriesDecoded   int64
	EntriesIgnored   int64
	EntriesMalformed int64

	Snapshots    int64
	DecodeErrors int64
	// DecodeSamples holds the first few snapshot decode errors.
	DecodeSamples []*traces.RecordDecodeError

	Accepted     int64
	Rejected     map[geo.Verdict]int64
	LimitReached bool
}

func newReport() *Report {
	return &Report{Rejected: make(map[geo.Verdict]int64)}
}

func (r *Report) addDecodeError(e *traces.RecordDecodeError) {
	r.DecodeErrors++
	if len(r.DecodeSamples) < maxDecodeSamples {
		r.DecodeSamples = append(r.DecodeSamples, e)
	}
}

// Skipped returns the dates that produced no data, with their reasons.
func (r *Report) Skipped() []DateOutcome {
	var out []DateOutcome
	for _, d := range r.Dates {
		if d.Status == StatusSkipped || d.Status == StatusFailed {
			out = append(out, d)
		}
	}
	return out
}

// Err combines the errors of skipped and failed dates, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, d := range r.Skipped() {
		err := d.Err
		if err == nil {
			err = ErrNoData
		}
		result = multierror.Append(result, fmt.Errorf("%s %s: %w", d.Date, d.Status, err))
	}
	return result.ErrorOrNil()
}

// Log writes the run summary.
func (r *Report) Log(logger *slog.Logger) {
	for _, d := range r.Dates {
		attrs := []any{
			"date", d.Date.String(),
			"status", string(d.Status),
			"source", d.Source,
			"parts", d.Parts,
			"entries", d.Entries,
			"accepted", d.Accepted,
		}
		if d.Err != nil {
			attrs = append(attrs, "reason", d.Err)
		}
		if d.Status == StatusSkipped || d.Status == StatusFailed {
			logger.Warn("Date not processed", attrs...)
		} else {
			logger.Info("Date processed", attrs...)
		}
	}

	logger.Info("Run summary",
		"dates", len(r.Dates),
		"skipped", len(r.Skipped()),
		"parts_downloaded", r.PartsDownloaded,
		"parts_present", r.PartsPresent,
		"mb_downloaded", fmt.Sprintf("%.1f", float64(r.BytesDownloaded)/1e6),
		"entries", r.EntriesDecoded,
		"entries_malformed", r.EntriesMalformed,
		"snapshots", r.Snapshots,
		"decode_errors", r.DecodeErrors,
		"accepted", r.Accepted,
		"rejected", r.rejectedSummary(),
		"limit_reached", r.LimitReached,
	)
	for _, e := range r.DecodeSamples {
		logger.Debug("Snapshot skipped", "entry", e.Path, "index", e.Index, "reason", e.Reason)
	}
}

func (r *Report) rejectedSummary() string {
	verdicts := make([]geo.Verdict, 0, len(r.Rejected))
	for v := range r.Rejected {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i] < verdicts[j] })

	parts := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		parts = append(parts, fmt.Sprintf("%s=%d", v, r.Rejected[v]))
	}
	return strings.Join(parts, " ")
}
