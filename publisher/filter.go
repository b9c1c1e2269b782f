package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters records using glob patterns
type GlobFilter struct {
	tableGlobs     []glob.Glob
	namespaceGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(tablePatterns, namespacePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs:     make([]glob.Glob, 0, len(tablePatterns)),
		namespaceGlobs: make([]glob.Glob, 0, len(namespacePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range namespacePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid namespace pattern %q: %w", pattern, err)
		}
		filter.namespaceGlobs = append(filter.namespaceGlobs, g)
	}

	return filter, nil
}

// Match returns true if the namespace and table match the configured patterns
func (f *GlobFilter) Match(namespace, table string) bool {
	return matchAny(f.namespaceGlobs, namespace) && matchAny(f.tableGlobs, table)
}

// matchAny treats an empty pattern list as match-all
func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
