// Package policies holds ready-made reject hooks for the relay front end.
package policies

import (
	"context"

	"github.com/Hubmakerlabs/federatr/pkg/filter"
)

// NoComplexFilters disallows filters with more than 2 tags.
func NoComplexFilters(_ context.Context, f filter.T) (reject bool, msg string) {
	items := len(f.Tags) + len(f.Kinds)
	if items > 4 && len(f.Tags) > 2 {
		return true, "too many things to filter for"
	}
	return false, ""
}

// NoEmptyFilters disallows filters that don't have at least a tag, a kind,
// an author, an id or the local flag.
func NoEmptyFilters(_ context.Context, f filter.T) (reject bool, msg string) {
	c := len(f.Kinds) + len(f.IDs) + len(f.Authors)
	for _, tagItems := range f.Tags {
		c += len(tagItems)
	}
	if c == 0 && !f.Local && f.Search == "" {
		return true, "can't handle empty filters"
	}
	return false, ""
}

// MaxValues rejects filters listing more than n ids, authors or values of
// one tag.
func MaxValues(n int) func(context.Context, filter.T) (bool, string) {
	return func(_ context.Context, f filter.T) (reject bool, msg string) {
		if len(f.IDs) > n || len(f.Authors) > n || len(f.Kinds) > n {
			return true, "too many values in filter"
		}
		for _, vals := range f.Tags {
			if len(vals) > n {
				return true, "too many tag values in filter"
			}
		}
		return false, ""
	}
}
