// Package partstore keeps the local cache of split-archive part files and
// downloads the parts that are missing or incomplete.
//
// A part is complete when a file with the asset's name exists in the data
// directory and its size equals the declared asset size. Downloads are
// written to a ".part" temporary file and renamed on success, so a final
// name is never left holding partial data by this package. Any file whose
// size disagrees with the declared size is downloaded again from byte 0.
package partstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"adsb_pings/internal/models"
)

// TempSuffix is appended to a part's name while it is being downloaded.
const TempSuffix = ".part"

// Fetcher downloads one asset to dest and returns the bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, asset models.ReleaseAsset, dest string) (int64, error)
}

// Outcome describes how EnsureLocal satisfied one asset.
type Outcome struct {
	Asset   models.ReleaseAsset
	Part    models.LocalPart
	Skipped bool // already complete on disk, no network used
	Bytes   int64
	Elapsed time.Duration
}

// MBPerSecond is the download throughput, or 0 for skipped parts.
func (o Outcome) MBPerSecond() float64 {
	if o.Skipped || o.Elapsed <= 0 {
		return 0
	}
	return float64(o.Bytes) / 1e6 / o.Elapsed.Seconds()
}

// Store owns the part files in one data directory.
type Store struct {
	dir     string
	fetcher Fetcher
}

// NewStore creates dir if needed. fetcher may be nil for read-only use.
func NewStore(dir string, fetcher Fetcher) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &Store{dir: dir, fetcher: fetcher}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where an asset is stored.
func (s *Store) Path(asset models.ReleaseAsset) (string, error) {
	name := filepath.Base(asset.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid asset name %q", asset.Name)
	}
	return filepath.Join(s.dir, name), nil
}

// Lookup returns the local part for asset when it is complete.
func (s *Store) Lookup(asset models.ReleaseAsset) (models.LocalPart, bool) {
	path, err := s.Path(asset)
	if err != nil {
		return models.LocalPart{}, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != asset.Size {
		return models.LocalPart{}, false
	}
	return models.LocalPart{Path: path, Size: info.Size()}, true
}

// EnsureLocal returns the complete local copy of asset, downloading it
// first unless a file of the declared size is already present.
func (s *Store) EnsureLocal(ctx context.Context, asset models.ReleaseAsset) (Outcome, error) {
	if part, ok := s.Lookup(asset); ok {
		return Outcome{Asset: asset, Part: part, Skipped: true}, nil
	}
	if s.fetcher == nil {
		return Outcome{Asset: asset}, fmt.Errorf("part %s is not available locally", asset.Name)
	}
	dest, err := s.Path(asset)
	if err != nil {
		return Outcome{Asset: asset}, err
	}

	start := time.Now()
	n, err := s.fetcher.Fetch(ctx, asset, dest)
	if err != nil {
		return Outcome{Asset: asset}, err
	}
	return Outcome{
		Asset:   asset,
		Part:    models.LocalPart{Path: dest, Size: n},
		Bytes:   n,
		Elapsed: time.Since(start),
	}, nil
}

// PartSet is the ordered parts of one archive found on disk.
type PartSet struct {
	Name  string // archive name without the split suffix, e.g. v2024.12.30-planes-readsb-prod-0
	Parts []models.LocalPart
}

// LocalParts lists the complete-looking parts of one date and variant,
// ordered by split suffix. Without remote metadata any present, non-empty
// part under its final name counts as complete.
func (s *Store) LocalParts(date models.Date, variant models.Variant) ([]models.LocalPart, error) {
	sets, err := s.scan(models.ReleaseTag(date, variant))
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}
	return sets[0].Parts, nil
}

// PartSets lists every split archive in the data directory, by name.
func (s *Store) PartSets() ([]PartSet, error) {
	return s.scan("")
}

func (s *Store) scan(only string) ([]PartSet, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	type suffixed struct {
		suffix string
		part   models.LocalPart
	}
	byName := make(map[string][]suffixed)
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasSuffix(name, TempSuffix) {
			continue
		}
		suffix, ok := models.PartSuffix(name)
		if !ok {
			continue
		}
		base := strings.TrimSuffix(name, ".tar."+suffix)
		if only != "" && base != only {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		byName[base] = append(byName[base], suffixed{
			suffix: suffix,
			part:   models.LocalPart{Path: filepath.Join(s.dir, name), Size: info.Size()},
		})
	}

	sets := make([]PartSet, 0, len(byName))
	for base, parts := range byName {
		sort.Slice(parts, func(i, j int) bool { return models.LessPartSuffix(parts[i].suffix, parts[j].suffix) })
		set := PartSet{Name: base, Parts: make([]models.LocalPart, len(parts))}
		for i, p := range parts {
			set.Parts[i] = p.part
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Name < sets[j].Name })
	return sets, nil
}
