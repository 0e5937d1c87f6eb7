package core

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Split is one unit of map input: a single regular file.
type Split struct {
	Path   string
	Length int64
}

// splitMetaOverhead approximates the per-split bookkeeping kept alongside
// the path itself.
const splitMetaOverhead = 16

// ComputeSplits expands the input glob patterns and returns one split per
// regular file, sorted by path. Directories and special files are skipped.
// Patterns matching nothing contribute no splits; an empty result is legal
// and produces a job with no map tasks.
func ComputeSplits(patterns []string) ([]Split, error) {
	seen := make(map[string]struct{})
	var splits []Split
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("globbing %q: %w", pattern, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			info, err := os.Lstat(match)
			if err != nil {
				return nil, fmt.Errorf("stating %q: %w", match, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			seen[match] = struct{}{}
			splits = append(splits, Split{Path: match, Length: info.Size()})
		}
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].Path < splits[j].Path })
	return splits, nil
}

// SplitsMetaSize is the bookkeeping footprint of the split descriptors,
// checked against the configured ceiling at job init.
func SplitsMetaSize(splits []Split) int64 {
	var total int64
	for _, s := range splits {
		total += int64(len(s.Path)) + splitMetaOverhead
	}
	return total
}

// SplitsTotalBytes sums the input data behind the splits.
func SplitsTotalBytes(splits []Split) int64 {
	var total int64
	for _, s := range splits {
		total += s.Length
	}
	return total
}
