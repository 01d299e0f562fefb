// Package index declares the cache index: the durable, authoritative record
// of which books are cached locally.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
)

// ErrNotFound is returned by Lookup when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the index record for one cached book. An entry exists iff its
// file exists at LocalPath with the recorded size; exactly one entry exists
// per key.
type Entry struct {
	Key            book.Key
	Title          string
	LocalPath      string // relative to the managed root
	SizeBytes      int64
	Checksum       string // optional SHA-256 hex
	DownloadedAt   time.Time
	LastAccessedAt time.Time
}

// Repository is the persistence contract for the cache index. Mutations are
// serialized by the implementation so the one-entry-per-key invariant holds
// under concurrent commits.
type Repository interface {
	// Lookup returns the entry for key, or ErrNotFound.
	Lookup(ctx context.Context, key book.Key) (*Entry, error)

	// Upsert atomically replaces the entry for its key.
	Upsert(ctx context.Context, entry *Entry) error

	// Remove deletes the record for key. Removing an absent key is not an error.
	Remove(ctx context.Context, key book.Key) error

	// ListAll returns a consistent snapshot of every entry.
	ListAll(ctx context.Context) ([]Entry, error)

	// Touch advances LastAccessedAt for key. Access times never move backwards.
	Touch(ctx context.Context, key book.Key, at time.Time) error

	// TotalSize returns the sum of SizeBytes over all entries.
	TotalSize(ctx context.Context) (int64, error)
}
