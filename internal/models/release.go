package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Variant selects which readsb feed a release was built from.
type Variant string

const (
	VariantProd     Variant = "prod-0"
	VariantStaging  Variant = "staging-0"
	VariantMLATOnly Variant = "mlatonly-0"
)

// Variants lists the accepted variants.
var Variants = []Variant{VariantProd, VariantStaging, VariantMLATOnly}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid variant %q (must be prod-0, staging-0, or mlatonly-0)", s)
}

// ReleaseTag builds the tag of the daily release, e.g. v2024.12.30-planes-readsb-prod-0.
func ReleaseTag(date Date, variant Variant) string {
	return fmt.Sprintf("v%s-planes-readsb-%s", date.Dotted(), variant)
}

// ReleaseAsset is one downloadable part of a split archive.
type ReleaseAsset struct {
	Name      string
	URL       string
	Size      int64
	PartIndex string // suffix after ".tar.", e.g. "00" or "aa"
}

// LocalPart is a part file in the local cache.
type LocalPart struct {
	Path string
	Size int64
}

// PartSuffix returns the split suffix of a part file name: the text after
// the last ".tar." separator. ok is false when name is not a split part.
func PartSuffix(name string) (suffix string, ok bool) {
	i := strings.LastIndex(name, ".tar.")
	if i < 0 {
		return "", false
	}
	suffix = name[i+len(".tar."):]
	if suffix == "" || strings.ContainsAny(suffix, "./") {
		return "", false
	}
	for _, r := range suffix {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "", false
		}
	}
	return suffix, true
}

// LessPartSuffix orders split suffixes. Numeric suffixes compare by value,
// everything else compares lexically, so ".tar.9" sorts before ".tar.10".
func LessPartSuffix(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil && na != nb {
		return na < nb
	}
	if len(a) != len(b) && errA == nil && errB == nil {
		return len(a) < len(b)
	}
	return a < b
}
