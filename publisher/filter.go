package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects records by label and cache glob patterns. Empty
// pattern lists match everything.
type GlobFilter struct {
	labelGlobs []glob.Glob
	cacheGlobs []glob.Glob
}

// NewGlobFilter compiles the configured patterns.
func NewGlobFilter(labelPatterns, cachePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		labelGlobs: make([]glob.Glob, 0, len(labelPatterns)),
		cacheGlobs: make([]glob.Glob, 0, len(cachePatterns)),
	}

	for _, pattern := range labelPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid label pattern %q: %w", pattern, err)
		}
		filter.labelGlobs = append(filter.labelGlobs, g)
	}
	for _, pattern := range cachePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
		}
		filter.cacheGlobs = append(filter.cacheGlobs, g)
	}

	return filter, nil
}

// Match returns true when the record's label matches a label pattern and
// any of its caches matches a cache pattern.
func (f *GlobFilter) Match(rec TxnRecord) bool {
	labelMatch := len(f.labelGlobs) == 0
	for _, g := range f.labelGlobs {
		if g.Match(rec.Label) {
			labelMatch = true
			break
		}
	}
	if !labelMatch {
		return false
	}

	if len(f.cacheGlobs) == 0 {
		return true
	}
	for _, g := range f.cacheGlobs {
		for _, cache := range rec.Caches {
			if g.Match(cache) {
				return true
			}
		}
	}
	return false
}
