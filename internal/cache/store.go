// Package cache stores and restores cached directories under literal keys.
//
// Stores hold opaque blobs (see Pack) and answer lookups for an ordered list
// of candidate keys. Every store resolves candidates the same way, through
// Select: an exact key match wins, otherwise the most recently stored entry
// whose key starts with the candidate. The first candidate with a hit wins.
package cache

import (
	"context"
	"strings"
	"time"
)

// Entry is a stored cache blob.
type Entry struct {
	Key      string
	Data     []byte
	StoredAt time.Time
}

// Meta describes an entry without its data.
type Meta struct {
	Key      string
	StoredAt time.Time
	Size     int64
}

// Store is a cache backend. Get returns nil, nil when no candidate matches.
// Put replaces any entry stored under the same key; readers never observe a
// partially written entry.
type Store interface {
	Get(ctx context.Context, candidates []string) (*Entry, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Select picks the entry a lookup for candidates resolves to.
func Select(candidates []string, entries []Meta) (Meta, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		var best Meta
		found := false
		for _, e := range entries {
			if e.Key == c {
				return e, true
			}
			if !strings.HasPrefix(e.Key, c) {
				continue
			}
			if !found || e.StoredAt.After(best.StoredAt) ||
				(e.StoredAt.Equal(best.StoredAt) && e.Key > best.Key) {
				best, found = e, true
			}
		}
		if found {
			return best, true
		}
	}
	return Meta{}, false
}
