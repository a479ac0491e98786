// Package release resolves a daily globe_history release on GitHub and
// lists its split-archive part assets.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"adsb_pings/internal/models"
)

// DefaultAPIURL is the GitHub REST API base.
const DefaultAPIURL = "https://api.github.com"

// DefaultOrg owns the yearly globe_history repositories.
const DefaultOrg = "adsblol"

var (
	// ErrReleaseNotFound means no release carries the expected tag.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrRateLimited means the API refused the request for quota reasons.
	ErrRateLimited = errors.New("release API rate limited")
)

// RateLimitError is returned for HTTP 403 and 429 responses.
type RateLimitError struct {
	StatusCode int
	Remaining  int // -1 when the header is absent
	Reset      time.Time
	Wait       time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("release API rate limited (status %d, retry after %v)", e.StatusCode, e.Wait)
	}
	return fmt.Sprintf("release API rate limited (status %d)", e.StatusCode)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter reports how long the server asked callers to wait.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// Release is a resolved daily release.
type Release struct {
	Repo   string
	Tag    string
	ID     int64
	Assets []models.ReleaseAsset
}

// Locator queries the releases API.
type Locator struct {
	// baseURL is the API base URL (default: https://api.github.com)
	baseURL string

	// org owns the derived globe_history_{year} repositories
	org string

	// token is sent as a bearer token when set
	token string

	httpClient *http.Client
}

// NewLocator creates a Locator. Empty baseURL and org select the defaults.
func NewLocator(baseURL, org, token string) *Locator {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if org == "" {
		org = DefaultOrg
	}
	return &Locator{
		baseURL: strings.TrimRight(baseURL, "/"),
		org:     org,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RepoFor derives the repository holding a date's releases, e.g.
// adsblol/globe_history_2024.
func RepoFor(org string, date models.Date) string {
	return fmt.Sprintf("%s/globe_history_%d", org, date.Year())
}

type releaseResponse struct {
	ID      int64           `json:"id"`
	TagName string          `json:"tag_name"`
	Assets  []assetResponse `json:"assets"`
}

type assetResponse struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Locate resolves the release for date and variant and returns its part
// assets in concatenation order. repoOverride replaces the derived
// repository when non-empty. A missing tag yields ErrReleaseNotFound; a
// refused request yields a *RateLimitError matching ErrRateLimited.
func (l *Locator) Locate(ctx context.Context, date models.Date, variant models.Variant, repoOverride string) (*Release, error) {
	repo := repoOverride
	if repo == "" {
		repo = RepoFor(l.org, date)
	}
	tag := models.ReleaseTag(date, variant)
	endpoint := fmt.Sprintf("%s/repos/%s/releases/tags/%s", l.baseURL, repo, url.PathEscape(tag))

	slog.Debug("Looking up release", "repo", repo, "tag", tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release %s: %w", tag, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s in %s", ErrReleaseNotFound, tag, repo)
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, rateLimitError(resp)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("releases API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rel releaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("failed to parse release %s: %w", tag, err)
	}

	return &Release{
		Repo:   repo,
		Tag:    tag,
		ID:     rel.ID,
		Assets: partAssets(rel.Assets),
	}, nil
}

// partAssets keeps the ".tar" assets and orders them by split suffix.
func partAssets(assets []assetResponse) []models.ReleaseAsset {
	parts := make([]models.ReleaseAsset, 0, len(assets))
	for _, a := range assets {
		if !strings.Contains(a.Name, ".tar") {
			continue
		}
		suffix, _ := models.PartSuffix(a.Name)
		parts = append(parts, models.ReleaseAsset{
			Name:      a.Name,
			URL:       a.BrowserDownloadURL,
			Size:      a.Size,
			PartIndex: suffix,
		})
	}
	sort.SliceStable(parts, func(i, j int) bool {
		return models.LessPartSuffix(parts[i].PartIndex, parts[j].PartIndex)
	})
	return parts
}

func rateLimitError(resp *http.Response) *RateLimitError {
	rle := &RateLimitError{
		StatusCode: resp.StatusCode,
		Remaining:  -1,
		Wait:       parseRetryAfter(resp.Header),
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		rle.Remaining = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rle.Reset = time.Unix(v, 0)
		if rle.Wait == 0 && rle.Remaining == 0 {
			if d := time.Until(rle.Reset); d > 0 {
				rle.Wait = d
			}
		}
	}
	return rle
}

// parseRetryAfter supports both delay-seconds and HTTP-date values.
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(retryTime); d > 0 {
			return d
		}
	}
	return 0
}
