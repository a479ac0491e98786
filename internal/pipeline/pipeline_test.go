package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"adsb_pings/internal/geo"
	"adsb_pings/internal/models"
	"adsb_pings/internal/partstore"
	"adsb_pings/internal/release"
	"adsb_pings/internal/retry"
	"adsb_pings/internal/sink"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var madison = geo.Point{Latitude: 43.0755143, Longitude: -89.4154526}

// kmPerDegree is the length of one degree of latitude on the mean sphere.
var kmPerDegree = geo.EarthRadiusKm * geo.DegreesToRadians

// north returns a point distKm due north of madison.
func north(distKm float64) geo.Point {
	return geo.Point{Latitude: madison.Latitude + distKm/kmPerDegree, Longitude: madison.Longitude}
}

func baseFilter() geo.Filter {
	return geo.Filter{Center: madison, BoxRadiusDeg: 1.0, MaxDistKm: 100, IncludeRotorcraft: true}
}

// snapshot is one trace point of a synthetic trace file.
type snapshot struct {
	offset   float64
	at       geo.Point
	alt      string // JSON value for alt_baro
	category string
}

func traceJSON(icao string, snaps ...snapshot) string {
	var pts []string
	for _, s := range snaps {
		ac := "null"
		if s.category != "" {
			ac = fmt.Sprintf(`{"flight": "TST%s", "category": "%s"}`, icao[4:], s.category)
		}
		pts = append(pts, fmt.Sprintf(`[%g, %.7f, %.7f, %s, 120.5, 90.0, 0, 0, %s, "adsb_icao", null]`,
			s.offset, s.at.Latitude, s.at.Longitude, s.alt, ac))
	}
	return fmt.Sprintf(`{"icao": "%s", "r": "N%s", "t": "C172", "timestamp": 1735516800, "trace": [%s]}`,
		icao, icao[1:], strings.Join(pts, ", "))
}

type archiveFile struct {
	name string
	body string
	gzip bool
}

func traceFile(icao string, snaps ...snapshot) archiveFile {
	return archiveFile{name: fmt.Sprintf("./traces/%s/trace_full_%s.json", icao[4:], icao), body: traceJSON(icao, snaps...), gzip: true}
}

// buildArchive writes a tar archive and returns it together with the byte
// offset at which each file's padded content ends.
func buildArchive(t *testing.T, files ...archiveFile) ([]byte, []int) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./traces/", Typeflag: tar.TypeDir, Mode: 0o755}))

	ends := make([]int, 0, len(files))
	for _, f := range files {
		body := []byte(f.body)
		if f.gzip {
			var zb bytes.Buffer
			zw := gzip.NewWriter(&zb)
			_, err := zw.Write(body)
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			body = zb.Bytes()
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: f.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
		require.NoError(t, tw.Flush())
		ends = append(ends, buf.Len())
	}
	require.NoError(t, tw.Close())
	return buf.Bytes(), ends
}

// split cuts data at the given offsets.
func split(data []byte, cuts ...int) [][]byte {
	var parts [][]byte
	prev := 0
	for _, c := range append(cuts, len(data)) {
		parts = append(parts, data[prev:c])
		prev = c
	}
	return parts
}

type partServer struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newPartServer(t *testing.T) *partServer {
	t.Helper()
	ps := &partServer{files: map[string][]byte{}, hits: map[string]int{}}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		ps.mu.Lock()
		ps.hits[name]++
		data, ok := ps.files[name]
		ps.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *partServer) totalHits() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n := 0
	for _, h := range ps.hits {
		n += h
	}
	return n
}

func (ps *partServer) hitCount(name string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[name]
}

func partName(date models.Date, i int) string {
	return fmt.Sprintf("%s.tar.%02d", models.ReleaseTag(date, models.VariantProd), i)
}

// publish serves parts and returns the release describing them.
func (ps *partServer) publish(date models.Date, parts [][]byte) *release.Release {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rel := &release.Release{Repo: "adsblol/globe_history_2024", Tag: models.ReleaseTag(date, models.VariantProd)}
	for i, data := range parts {
		name := partName(date, i)
		ps.files[name] = data
		suffix, _ := models.PartSuffix(name)
		rel.Assets = append(rel.Assets, models.ReleaseAsset{Name: name, URL: ps.URL + "/" + name, Size: int64(len(data)), PartIndex: suffix})
	}
	return rel
}

type fakeLocator struct {
	mu       sync.Mutex
	releases map[string]*release.Release
	errs     map[string]error
	calls    []string
}

func (f *fakeLocator) Locate(_ context.Context, date models.Date, _ models.Variant, _ string) (*release.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, date.String())
	if err, ok := f.errs[date.String()]; ok {
		return nil, err
	}
	if rel, ok := f.releases[date.String()]; ok {
		return rel, nil
	}
	return nil, fmt.Errorf("%w: %s", release.ErrReleaseNotFound, date)
}

type fixture struct {
	srv     *partServer
	locator *fakeLocator
	store   *partstore.Store
	date    models.Date
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := partstore.NewStore(filepath.Join(t.TempDir(), "data"), partstore.NewHTTPFetcher(partstore.FetcherOptions{Timeout: 10 * time.Second}))
	require.NoError(t, err)
	date, err := models.ParseDate("2024-12-30")
	require.NoError(t, err)
	return &fixture{
		srv:     newPartServer(t),
		locator: &fakeLocator{releases: map[string]*release.Release{}, errs: map[string]error{}},
		store:   store,
		date:    date,
	}
}

func (f *fixture) publish(date models.Date, parts [][]byte) {
	f.locator.releases[date.String()] = f.srv.publish(date, parts)
}

func (f *fixture) options(filter geo.Filter) Options {
	return Options{
		Variant: models.VariantProd,
		Filter:  filter,
		Batch: partstore.BatchOptions{
			Concurrency: 2,
			Lookahead:   0,
			Retry:       retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		},
	}
}

func (f *fixture) run(t *testing.T, opts Options, days int) ([]models.Ping, *Report) {
	t.Helper()
	dates, err := models.NewDateRange(f.date, f.date.AddDays(days-1))
	require.NoError(t, err)

	var mem sink.Memory
	report, err := New(f.locator, f.store, nil, opts).RunToWriter(context.Background(), dates, &mem)
	require.NoError(t, err)
	return mem.Pings, report
}

func icaos(pings []models.Ping) []string {
	var out []string
	for _, p := range pings {
		out = append(out, p.ICAO)
	}
	return out
}

func TestRunDistanceFilter(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000", category: "A1"}),
		traceFile("a00099", snapshot{offset: 1, at: north(99), alt: "3000", category: "A1"}),
		traceFile("a00150", snapshot{offset: 2, at: north(150), alt: "3000", category: "A1"}),
	)
	f.publish(f.date, split(data, len(data)/3, 2*len(data)/3))

	pings, report := f.run(t, f.options(baseFilter()), 1)

	assert.Equal(t, []string{"a00010", "a00099"}, icaos(pings))
	assert.Equal(t, int64(2), report.Accepted)
	assert.Equal(t, int64(1), report.Rejected[geo.RejectedBox]+report.Rejected[geo.RejectedDistance])
	assert.Equal(t, 3, report.PartsDownloaded)
	require.Len(t, report.Dates, 1)
	assert.Equal(t, StatusRelease, report.Dates[0].Status)
	assert.NoError(t, report.Err())

	p := pings[0]
	assert.Equal(t, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), p.Timestamp)
	assert.Equal(t, "N00010", p.Registration)
	assert.Equal(t, "TST10", p.Flight)
	assert.InDelta(t, 10, geo.DistanceKm(madison, geo.Point{Latitude: p.Latitude, Longitude: p.Longitude}), 0.01)
}

func TestRunMinAltitude(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000", category: "A1"}),
		traceFile("a00099", snapshot{offset: 1, at: north(99), alt: "500", category: "A1"}),
		traceFile("a00150", snapshot{offset: 2, at: north(150), alt: "3000", category: "A1"}),
	)
	f.publish(f.date, split(data))

	filter := baseFilter()
	minAlt := 1000.0
	filter.MinAltitudeFt = &minAlt
	pings, report := f.run(t, f.options(filter), 1)

	assert.Equal(t, []string{"a00010"}, icaos(pings))
	assert.Equal(t, int64(1), report.Rejected[geo.RejectedAltitude])
}

func TestRunExcludesRotorcraft(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000", category: "A1"}),
		traceFile("a0heli", snapshot{offset: 0, at: north(20), alt: "800", category: "A7"}),
	)
	f.publish(f.date, split(data))

	filter := baseFilter()
	filter.IncludeRotorcraft = false
	pings, report := f.run(t, f.options(filter), 1)

	assert.Equal(t, []string{"a00010"}, icaos(pings))
	assert.Equal(t, int64(1), report.Rejected[geo.RejectedRotorcraft])
}

func TestRunLimitStopsBeforeLaterParts(t *testing.T) {
	f := newFixture(t)
	filler := traceFile("a0fill", snapshot{offset: 0, at: north(500), alt: "3000"})
	filler.body += strings.Repeat(" ", 8192)
	filler.gzip = false
	data, ends := buildArchive(t,
		traceFile("a0000a", snapshot{offset: 0, at: north(5), alt: "3000"}),
		traceFile("a0000b", snapshot{offset: 0, at: north(6), alt: "3000"}),
		filler,
	)
	// Part 0 holds A and B; the filler starts in part 1 and runs into part 2.
	f.publish(f.date, split(data, ends[1], ends[1]+4096))

	opts := f.options(baseFilter())
	opts.Limit = 1
	pings, report := f.run(t, opts, 2)

	assert.Equal(t, []string{"a0000a"}, icaos(pings))
	assert.True(t, report.LimitReached)
	assert.Equal(t, 1, f.srv.hitCount(partName(f.date, 0)))
	assert.Equal(t, 0, f.srv.hitCount(partName(f.date, 1)))
	assert.Equal(t, 0, f.srv.hitCount(partName(f.date, 2)))
	assert.Equal(t, []string{"2024-12-30"}, f.locator.calls, "later dates are not looked up")
	assert.Len(t, report.Dates, 1)
}

func TestRunFallsBackToLocalParts(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}),
		traceFile("a00020", snapshot{offset: 0, at: north(20), alt: "3000"}),
	)
	for i, part := range split(data, len(data)/2) {
		require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), partName(f.date, i)), part, 0o644))
	}

	pings, report := f.run(t, f.options(baseFilter()), 1)

	assert.Equal(t, []string{"a00010", "a00020"}, icaos(pings))
	assert.Equal(t, 0, f.srv.totalHits())
	assert.Equal(t, 0, report.PartsDownloaded)
	assert.Equal(t, 2, report.PartsPresent)
	require.Len(t, report.Dates, 1)
	assert.Equal(t, StatusFallback, report.Dates[0].Status)
	assert.ErrorIs(t, report.Dates[0].Err, release.ErrReleaseNotFound)
	assert.NoError(t, report.Err())
}

func TestRunFallsBackWhenRateLimited(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t, traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}))
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), partName(f.date, 0)), data, 0o644))
	f.locator.errs[f.date.String()] = &release.RateLimitError{StatusCode: http.StatusForbidden, Remaining: 0}

	pings, report := f.run(t, f.options(baseFilter()), 1)
	assert.Len(t, pings, 1)
	assert.Equal(t, StatusFallback, report.Dates[0].Status)
}

func TestRunReportsSkippedDates(t *testing.T) {
	f := newFixture(t)
	day1, _ := buildArchive(t, traceFile("a00001", snapshot{offset: 0, at: north(10), alt: "3000"}))
	day3, _ := buildArchive(t, traceFile("a00003", snapshot{offset: 0, at: north(10), alt: "3000"}))
	f.publish(f.date, split(day1))
	f.publish(f.date.AddDays(2), split(day3))

	pings, report := f.run(t, f.options(baseFilter()), 3)

	assert.Equal(t, []string{"a00001", "a00003"}, icaos(pings))
	require.Len(t, report.Dates, 3)
	skipped := report.Skipped()
	require.Len(t, skipped, 1)
	assert.Equal(t, "2024-12-31", skipped[0].Date.String())
	assert.Equal(t, StatusSkipped, skipped[0].Status)
	assert.ErrorIs(t, skipped[0].Err, ErrNoData)
	assert.ErrorIs(t, skipped[0].Err, release.ErrReleaseNotFound)

	err := report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-12-31")
}

func TestRunCorruptArchiveSkipsOnlyThatDate(t *testing.T) {
	f := newFixture(t)
	bad, ends := buildArchive(t,
		traceFile("a00001", snapshot{offset: 0, at: north(10), alt: "3000"}),
		traceFile("a00002", snapshot{offset: 0, at: north(10), alt: "3000"}),
	)
	// Break the checksum of the second file's header.
	copy(bad[ends[0]+148:], []byte("zzzzzzz"))
	good, _ := buildArchive(t, traceFile("a00003", snapshot{offset: 0, at: north(10), alt: "3000"}))
	f.publish(f.date, split(bad))
	f.publish(f.date.AddDays(1), split(good))

	pings, report := f.run(t, f.options(baseFilter()), 2)

	assert.Equal(t, []string{"a00001", "a00003"}, icaos(pings))
	require.Len(t, report.Dates, 2)
	assert.Equal(t, StatusFailed, report.Dates[0].Status)
	assert.Equal(t, StatusRelease, report.Dates[1].Status)
	assert.Error(t, report.Err())
}

func TestRunMissingPartFailsDate(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a00001", snapshot{offset: 0, at: north(10), alt: "3000"}),
		traceFile("a00002", snapshot{offset: 0, at: north(10), alt: "3000"}),
	)
	f.publish(f.date, split(data, len(data)/2))
	f.srv.mu.Lock()
	delete(f.srv.files, partName(f.date, 1))
	f.srv.mu.Unlock()

	_, report := f.run(t, f.options(baseFilter()), 1)
	require.Len(t, report.Dates, 1)
	assert.Equal(t, StatusFailed, report.Dates[0].Status)
	var statusErr *partstore.HTTPStatusError
	assert.ErrorAs(t, report.Dates[0].Err, &statusErr)
}

func TestRunSkipsMalformedData(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		archiveFile{name: "./README.txt", body: "not a trace"},
		archiveFile{name: "./traces/01/trace_full_a00001.json", body: `{"icao": "a00001", "trace": [`},
		archiveFile{name: "./traces/02/trace_full_a00002.json", body: `{"icao": "a00002", "timestamp": 1735516800, "trace": [[0, "x", 1], [1, 43.1, -89.4, 2000]]}`},
		traceFile("a00003", snapshot{offset: 0, at: north(10), alt: "\"ground\""}),
	)
	f.publish(f.date, split(data))

	pings, report := f.run(t, f.options(baseFilter()), 1)

	assert.Equal(t, []string{"a00002", "a00003"}, icaos(pings))
	assert.True(t, pings[1].OnGround)
	assert.Equal(t, int64(1), report.EntriesMalformed)
	assert.Equal(t, int64(2), report.EntriesIgnored, "directory entry and README")
	assert.Equal(t, int64(1), report.DecodeErrors)
	require.Len(t, report.DecodeSamples, 1)
	assert.Equal(t, "./traces/02/trace_full_a00002.json", report.DecodeSamples[0].Path)
	assert.Equal(t, StatusRelease, report.Dates[0].Status)
}

func TestRunEmitsArchiveOrder(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t,
		traceFile("a0late", snapshot{offset: 3600, at: north(10), alt: "3000"}),
		traceFile("a0earl", snapshot{offset: 0, at: north(10), alt: "3000"}, snapshot{offset: 60, at: north(11), alt: "3000"}),
	)
	f.publish(f.date, split(data))

	pings, _ := f.run(t, f.options(baseFilter()), 1)
	assert.Equal(t, []string{"a0late", "a0earl", "a0earl"}, icaos(pings))
}

func TestRunDownloadOnly(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t, traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}))
	f.publish(f.date, split(data, len(data)/3, 2*len(data)/3))

	opts := f.options(baseFilter())
	opts.DownloadOnly = true
	pings, report := f.run(t, opts, 1)

	assert.Empty(t, pings)
	assert.Equal(t, 3, report.PartsDownloaded)
	assert.Equal(t, int64(len(data)), report.BytesDownloaded)
	for i := 0; i < 3; i++ {
		assert.FileExists(t, filepath.Join(f.store.Dir(), partName(f.date, i)))
	}

	// A second run finds every part complete and downloads nothing.
	_, report = f.run(t, opts, 1)
	assert.Equal(t, 0, report.PartsDownloaded)
	assert.Equal(t, 3, report.PartsPresent)
	assert.Equal(t, 3, f.srv.totalHits())
}

func TestRunOffline(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t, traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}))
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), partName(f.date, 0)), data, 0o644))

	dates, err := models.NewDateRange(f.date, f.date.AddDays(1))
	require.NoError(t, err)
	var mem sink.Memory
	report, err := New(nil, f.store, nil, f.options(baseFilter())).RunToWriter(context.Background(), dates, &mem)
	require.NoError(t, err)

	assert.Len(t, mem.Pings, 1)
	require.Len(t, report.Dates, 2)
	assert.Equal(t, StatusFallback, report.Dates[0].Status)
	assert.Equal(t, StatusSkipped, report.Dates[1].Status)
	assert.ErrorIs(t, report.Dates[1].Err, ErrNoData)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	data, _ := buildArchive(t, traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}))
	f.publish(f.date, split(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dates, err := models.NewDateRange(f.date, f.date)
	require.NoError(t, err)

	out := make(chan *models.Ping, 10)
	_, err = New(f.locator, f.store, nil, f.options(baseFilter())).Run(ctx, dates, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunLocalSearchesEveryArchive(t *testing.T) {
	f := newFixture(t)
	first, _ := buildArchive(t, traceFile("a00010", snapshot{offset: 0, at: north(10), alt: "3000"}))
	second, _ := buildArchive(t,
		traceFile("a00020", snapshot{offset: 0, at: north(20), alt: "3000"}),
		traceFile("a00105", snapshot{offset: 0, at: north(105), alt: "3000"}),
	)
	next := f.date.AddDays(1)
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), partName(next, 0)), second, 0o644))
	for i, part := range split(first, len(first)/2) {
		require.NoError(t, os.WriteFile(filepath.Join(f.store.Dir(), partName(f.date, i)), part, 0o644))
	}

	var mem sink.Memory
	report, err := New(nil, f.store, nil, f.options(baseFilter())).RunLocalToWriter(context.Background(), &mem)
	require.NoError(t, err)

	assert.Equal(t, []string{"a00010", "a00020"}, icaos(mem.Pings))
	require.Len(t, report.Dates, 2)
	assert.Equal(t, StatusLocal, report.Dates[0].Status)
	assert.True(t, report.Dates[0].Date.Equal(f.date))
	assert.Equal(t, 2, report.Dates[0].Parts)
	assert.True(t, report.Dates[1].Date.Equal(next))
	assert.Equal(t, 3, report.PartsPresent)
	assert.Equal(t, int64(1), report.Rejected[geo.RejectedDistance])
	assert.Equal(t, 0, f.srv.totalHits())
}

func TestRunLocalEmptyStore(t *testing.T) {
	f := newFixture(t)
	out := make(chan *models.Ping, 1)
	_, err := New(nil, f.store, nil, f.options(baseFilter())).RunLocal(context.Background(), out)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestArchiveDate(t *testing.T) {
	d := archiveDate("v2024.12.30-planes-readsb-prod-0")
	assert.Equal(t, "2024-12-30", d.String())
	assert.True(t, archiveDate("planes").IsZero())
	assert.True(t, archiveDate("vXXXX.12.30-planes").IsZero())
}
