package feed

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/changerelay/common"
)

// NamespaceFilter selects events by database and collection glob patterns
type NamespaceFilter struct {
	collectionGlobs []glob.Glob
	databaseGlobs   []glob.Glob
}

// NewNamespaceFilter compiles the patterns. Empty pattern lists match everything.
func NewNamespaceFilter(collectionPatterns, dbPatterns []string) (*NamespaceFilter, error) {
	collections, err := compileGlobs("collection", collectionPatterns)
	if err != nil {
		return nil, err
	}
	databases, err := compileGlobs("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &NamespaceFilter{collectionGlobs: collections, databaseGlobs: databases}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

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

// Match returns true if both the database and the collection match
func (f *NamespaceFilter) Match(ns common.Namespace) bool {
	return matchAny(f.databaseGlobs, ns.Database) && matchAny(f.collectionGlobs, ns.Collection)
}
