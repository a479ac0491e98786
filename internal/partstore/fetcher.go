package partstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"adsb_pings/internal/models"

	"golang.org/x/time/rate"
)

// ProgressFunc receives download progress for one asset. total is the
// declared size, or -1 when unknown.
type ProgressFunc func(name string, done, total int64)

// HTTPFetcher downloads assets with plain GET requests.
type HTTPFetcher struct {
	httpClient *http.Client

	// token is only sent to authHost; release downloads redirect to a CDN
	// that must not see it
	token    string
	authHost string

	progress         ProgressFunc
	progressInterval time.Duration
}

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	Token            string
	APIURL           string // the token is only sent to this host
	Timeout          time.Duration
	Progress         ProgressFunc
	ProgressInterval time.Duration
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		token:            opts.Token,
		progress:         opts.Progress,
		progressInterval: opts.ProgressInterval,
	}
	if u, err := url.Parse(opts.APIURL); err == nil {
		f.authHost = u.Host
	}
	return f
}

// Fetch downloads asset to dest through a temporary file. On any failure
// the temporary file is removed and dest is left untouched.
func (f *HTTPFetcher) Fetch(ctx context.Context, asset models.ReleaseAsset, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request for %s: %w", asset.Name, err)
	}
	if f.token != "" && req.URL.Host == f.authHost {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, f.transferError(ctx, asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &HTTPStatusError{URL: asset.URL, StatusCode: resp.StatusCode}
	}

	total := asset.Size
	if total <= 0 {
		total = resp.ContentLength
	}

	tmp := dest + TempSuffix
	file, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	pw := &progressWriter{name: asset.Name, total: total, report: f.progress}
	if f.progressInterval > 0 {
		pw.sometimes = &rate.Sometimes{Interval: f.progressInterval}
	}

	n, copyErr := io.Copy(io.MultiWriter(file, pw), resp.Body)
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		os.Remove(tmp)
		return n, f.transferError(ctx, asset, copyErr)
	case closeErr != nil:
		os.Remove(tmp)
		return n, fmt.Errorf("failed to write %s: %w", tmp, closeErr)
	case asset.Size > 0 && n != asset.Size:
		os.Remove(tmp)
		return n, &SizeMismatchError{Name: asset.Name, Want: asset.Size, Got: n}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("failed to move %s into place: %w", asset.Name, err)
	}
	pw.flush()

	slog.Debug("Part downloaded", "part", asset.Name, "bytes", n)
	return n, nil
}

// transferError keeps cancellation distinguishable from network failures.
func (f *HTTPFetcher) transferError(ctx context.Context, asset models.ReleaseAsset, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("download %s: %w", asset.Name, ctxErr)
	}
	return &NetworkError{URL: asset.URL, Err: err}
}

// progressWriter counts bytes and reports them at a bounded rate.
type progressWriter struct {
	name      string
	total     int64
	done      int64
	report    ProgressFunc
	sometimes *rate.Sometimes
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.report == nil {
		return len(p), nil
	}
	if w.sometimes != nil {
		w.sometimes.Do(w.flush)
	} else {
		w.flush()
	}
	return len(p), nil
}

func (w *progressWriter) flush() {
	if w.report != nil {
		w.report(w.name, w.done, w.total)
	}
}
