// Package pipeline ties release lookup, part download, archive streaming,
// trace decoding and geographic filtering into one pass per date.
//
// Dates are processed in ascending order by a single consumer loop, and
// accepted pings are emitted in archive stream order: per aircraft file, in
// the order the files appear in the archive. Output is not sorted by time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"adsb_pings/internal/geo"
	"adsb_pings/internal/metrics"
	"adsb_pings/internal/models"
	"adsb_pings/internal/partstore"
	"adsb_pings/internal/release"
	"adsb_pings/internal/sink"
	"adsb_pings/internal/splitarchive"
	"adsb_pings/internal/tasks"
	"adsb_pings/internal/traces"
)

// ErrNoData marks a date with neither a release nor local parts.
var ErrNoData = errors.New("no release and no local parts")

// errLimitReached stops a date once the result limit is hit.
var errLimitReached = errors.New("result limit reached")

// Locator resolves the release of a date.
type Locator interface {
	Locate(ctx context.Context, date models.Date, variant models.Variant, repoOverride string) (*release.Release, error)
}

// Options configures a run.
type Options struct {
	Variant models.Variant
	Repo    string // overrides the derived repository when set

	Filter geo.Filter

	// Limit stops the run after this many accepted pings. 0 means no limit.
	Limit int64

	// DownloadOnly ensures parts are local without searching them.
	DownloadOnly bool

	Batch partstore.BatchOptions
}

// Pipeline runs queries over a range of dates.
type Pipeline struct {
	locator Locator // nil means local parts only
	store   *partstore.Store
	metrics *metrics.Recorder
	opts    Options
}

// New creates a pipeline. A nil locator never touches the network and
// searches only parts already in the store. A nil recorder gets a private one.
func New(locator Locator, store *partstore.Store, rec *metrics.Recorder, opts Options) *Pipeline {
	if rec == nil {
		rec = metrics.NewRecorder()
	}
	if opts.Variant == "" {
		opts.Variant = models.VariantProd
	}
	return &Pipeline{locator: locator, store: store, metrics: rec, opts: opts}
}

// Run processes every date of dates and sends accepted pings to out. It
// returns when the range is done, the limit is reached, or ctx is
// cancelled. Per-date failures are recorded in the report and do not stop
// the run; the returned error is only set for cancellation.
func (p *Pipeline) Run(ctx context.Context, dates models.DateRange, out chan<- *models.Ping) (*Report, error) {
	report := newReport()

	for _, date := range dates.Days() {
		outcome := p.runDate(ctx, date, out, report)
		report.Dates = append(report.Dates, outcome)
		p.metrics.Dates.WithLabelValues(string(outcome.Status)).Inc()

		if err := ctx.Err(); err != nil {
			return report, err
		}
		if report.LimitReached {
			slog.Info("Result limit reached, stopping", "limit", p.opts.Limit, "date", date.String())
			break
		}
	}
	return report, nil
}

// RunLocal searches every split archive already in the store, in name
// order, without any network access. Each archive is reported as one
// outcome whose Source is the archive name.
func (p *Pipeline) RunLocal(ctx context.Context, out chan<- *models.Ping) (*Report, error) {
	report := newReport()

	sets, err := p.store.PartSets()
	if err != nil {
		return report, err
	}
	if len(sets) == 0 {
		return report, fmt.Errorf("%w in %s", ErrNoData, p.store.Dir())
	}

	for _, set := range sets {
		outcome := p.runSet(ctx, set, out, report)
		report.Dates = append(report.Dates, outcome)
		p.metrics.Dates.WithLabelValues(string(outcome.Status)).Inc()

		if err := ctx.Err(); err != nil {
			return report, err
		}
		if report.LimitReached {
			slog.Info("Result limit reached, stopping", "limit", p.opts.Limit, "archive", set.Name)
			break
		}
	}
	return report, nil
}

// RunToWriter runs the pipeline and writes accepted pings to w through a
// batching collector. w is not closed.
func (p *Pipeline) RunToWriter(ctx context.Context, dates models.DateRange, w sink.Writer) (*Report, error) {
	return p.collect(ctx, w, func(out chan<- *models.Ping) (*Report, error) {
		return p.Run(ctx, dates, out)
	})
}

// RunLocalToWriter is RunLocal writing to w.
func (p *Pipeline) RunLocalToWriter(ctx context.Context, w sink.Writer) (*Report, error) {
	return p.collect(ctx, w, func(out chan<- *models.Ping) (*Report, error) {
		return p.RunLocal(ctx, out)
	})
}

func (p *Pipeline) collect(ctx context.Context, w sink.Writer, run func(chan<- *models.Ping) (*Report, error)) (*Report, error) {
	pingChan := make(chan *models.Ping, 1024)
	collector := tasks.NewPingCollector(w, pingChan)

	collectorDone := make(chan error, 1)
	go func() {
		// The collector drains until the channel closes so no accepted ping is lost.
		collectorDone <- collector.Start(context.WithoutCancel(ctx))
	}()

	report, runErr := run(pingChan)
	close(pingChan)
	if err := <-collectorDone; err != nil {
		return report, fmt.Errorf("failed to write pings: %w", err)
	}
	return report, runErr
}

// runSet searches one archive found on disk.
func (p *Pipeline) runSet(ctx context.Context, set partstore.PartSet, out chan<- *models.Ping, report *Report) DateOutcome {
	outcome := DateOutcome{
		Date:   archiveDate(set.Name),
		Status: StatusLocal,
		Source: set.Name,
		Parts:  len(set.Parts),
	}
	report.mu.Lock()
	report.PartsPresent += len(set.Parts)
	report.mu.Unlock()
	p.metrics.Parts.WithLabelValues("present").Add(float64(len(set.Parts)))

	setCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.searchDate(setCtx, splitarchive.Files(set.Parts), out, &outcome, report, slog.With("archive", set.Name))
	return outcome
}

// archiveDate reads the date out of names like v2024.12.30-planes-readsb-prod-0.
// Unrecognised names give the zero date.
func archiveDate(name string) models.Date {
	if len(name) < 11 || name[0] != 'v' {
		return models.Date{}
	}
	date, err := models.ParseDottedDate(name[1:11])
	if err != nil {
		return models.Date{}
	}
	return date
}

// runDate resolves the parts of one date and searches or downloads them.
func (p *Pipeline) runDate(ctx context.Context, date models.Date, out chan<- *models.Ping, report *Report) DateOutcome {
	outcome := DateOutcome{Date: date}
	log := slog.With("date", date.String())

	dateCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, batch, err := p.resolve(dateCtx, date, &outcome, report)
	if err != nil {
		outcome.Status = StatusSkipped
		if ctx.Err() != nil {
			outcome.Status = StatusFailed
		}
		outcome.Err = err
		log.Warn("Skipping date", "error", err)
		return outcome
	}
	if batch != nil {
		defer batch.Close()
	}

	if p.opts.DownloadOnly {
		if batch != nil {
			if _, err := batch.Wait(dateCtx); err != nil {
				outcome.Status = StatusFailed
				outcome.Err = err
				log.Error("Download failed", "error", err)
			}
		}
		return outcome
	}

	p.searchDate(dateCtx, src, out, &outcome, report, log)
	return outcome
}

// searchDate searches src and records how the search ended in outcome.
func (p *Pipeline) searchDate(ctx context.Context, src splitarchive.Source, out chan<- *models.Ping, outcome *DateOutcome, report *Report, log *slog.Logger) {
	log.Info("Searching archive", "parts", src.Len(), "source", outcome.Source)
	if err := p.search(ctx, src, out, outcome, report); err != nil {
		if errors.Is(err, errLimitReached) {
			report.LimitReached = true
			return
		}
		outcome.Status = StatusFailed
		outcome.Err = err
		log.Error("Archive processing stopped", "error", err)
	}
}

// resolve returns the part source for a date: the release's assets being
// prefetched, or the parts already on disk when the release is unavailable.
func (p *Pipeline) resolve(ctx context.Context, date models.Date, outcome *DateOutcome, report *Report) (splitarchive.Source, *partstore.Batch, error) {
	var lookupErr error
	if p.locator != nil {
		rel, err := p.locator.Locate(ctx, date, p.opts.Variant, p.opts.Repo)
		switch {
		case err == nil && len(rel.Assets) > 0:
			outcome.Status = StatusRelease
			outcome.Source = rel.Tag
			outcome.Parts = len(rel.Assets)
			slog.Info("Release found", "date", date.String(), "tag", rel.Tag, "repo", rel.Repo, "parts", len(rel.Assets))
			batch := p.store.Prefetch(ctx, rel.Assets, p.batchOptions(report))
			return batch, batch, nil
		case err == nil:
			lookupErr = fmt.Errorf("release %s has no tar assets", rel.Tag)
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		default:
			lookupErr = err
		}
		slog.Info("Release unavailable, looking for local parts", "date", date.String(), "reason", lookupErr)
	}

	parts, err := p.store.LocalParts(date, p.opts.Variant)
	if err != nil {
		return nil, nil, err
	}
	if len(parts) == 0 {
		if lookupErr != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrNoData, lookupErr)
		}
		return nil, nil, ErrNoData
	}

	outcome.Status = StatusFallback
	outcome.Source = p.store.Dir()
	outcome.Parts = len(parts)
	outcome.Err = lookupErr
	report.mu.Lock()
	report.PartsPresent += len(parts)
	report.mu.Unlock()
	p.metrics.Parts.WithLabelValues("present").Add(float64(len(parts)))
	slog.Info("Using local parts", "date", date.String(), "parts", len(parts))
	return splitarchive.Files(parts), nil, nil
}

// batchOptions hooks download accounting into the configured batch options.
// Searching fetches no further ahead than the configured lookahead so that
// stopping early leaves later parts untouched.
func (p *Pipeline) batchOptions(report *Report) partstore.BatchOptions {
	opts := p.opts.Batch
	if p.opts.DownloadOnly {
		opts.Lookahead = -1
	}
	opts.OnDone = func(o partstore.Outcome) {
		p.recordPart(o, report)
	}
	return opts
}

// recordPart runs on fetch goroutines.
func (p *Pipeline) recordPart(o partstore.Outcome, report *Report) {
	report.mu.Lock()
	defer report.mu.Unlock()

	if o.Skipped {
		report.PartsPresent++
		p.metrics.Parts.WithLabelValues("present").Inc()
		slog.Info("Part already present, skipping", "part", o.Asset.Name)
		return
	}
	report.PartsDownloaded++
	report.BytesDownloaded += o.Bytes
	p.metrics.Parts.WithLabelValues("downloaded").Inc()
	p.metrics.BytesDownloaded.Add(float64(o.Bytes))
	p.metrics.DownloadSeconds.Observe(o.Elapsed.Seconds())
	slog.Info("Part downloaded",
		"part", o.Asset.Name,
		"mb", fmt.Sprintf("%.1f", float64(o.Bytes)/1e6),
		"seconds", fmt.Sprintf("%.1f", o.Elapsed.Seconds()),
		"mb_per_s", fmt.Sprintf("%.1f", o.MBPerSecond()),
	)
}

// search streams the archive of one date and emits accepted pings.
func (p *Pipeline) search(ctx context.Context, src splitarchive.Source, out chan<- *models.Ping, outcome *DateOutcome, report *Report) error {
	reader := splitarchive.NewReader(ctx, src)
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !entry.Regular || !traces.IsTraceEntry(entry.Path) {
			report.EntriesIgnored++
			p.metrics.Entries.WithLabelValues("ignored").Inc()
			continue
		}

		outcome.Entries++
		err = p.scanEntry(ctx, entry, out, outcome, report)
		switch {
		case err == nil:
			report.EntriesDecoded++
			p.metrics.Entries.WithLabelValues("decoded").Inc()
		case errors.Is(err, errLimitReached):
			report.EntriesDecoded++
			p.metrics.Entries.WithLabelValues("decoded").Inc()
			return err
		case dateTerminal(ctx, err):
			return err
		default:
			report.EntriesMalformed++
			p.metrics.Entries.WithLabelValues("malformed").Inc()
			slog.Debug("Skipping malformed entry", "entry", entry.Path, "error", err)
		}
	}
}

// dateTerminal reports whether err ends processing of the whole date
// rather than of a single entry.
func dateTerminal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, splitarchive.ErrCorruptArchive) ||
		errors.Is(err, splitarchive.ErrPartUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// scanEntry decodes one trace file and filters its pings.
func (p *Pipeline) scanEntry(ctx context.Context, entry *splitarchive.Entry, out chan<- *models.Ping, outcome *DateOutcome, report *Report) error {
	dec, err := traces.NewDecoder(entry, entry.Path)
	if err != nil {
		return err
	}
	defer dec.Close()

	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		report.Snapshots++
		p.metrics.Snapshots.Inc()
		if rec.Err != nil {
			report.addDecodeError(rec.Err)
			p.metrics.DecodeErrors.Inc()
			continue
		}

		ping := rec.Ping
		if verdict := p.opts.Filter.Evaluate(&ping); verdict != geo.Accepted {
			report.Rejected[verdict]++
			p.metrics.PingsRejected.WithLabelValues(verdict.String()).Inc()
			continue
		}

		select {
		case out <- &ping:
		case <-ctx.Done():
			return ctx.Err()
		}
		report.Accepted++
		outcome.Accepted++
		p.metrics.PingsAccepted.Inc()

		if p.opts.Limit > 0 && report.Accepted >= p.opts.Limit {
			return errLimitReached
		}
	}
}
