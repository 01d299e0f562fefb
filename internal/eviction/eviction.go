// Package eviction reclaims storage by removing least-recently-used cache
// entries until a pending download fits within the configured reserve.
package eviction

import (
	"context"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/cache"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
	"github.com/italolelis/bookshelf_cache/internal/telemetry"
)

// SpaceMonitor is the slice of the space monitor the engine needs.
type SpaceMonitor interface {
	AvailableBytes() (int64, error)
	CanAccommodate(size int64) (bool, error)
	ReserveBytes() int64
}

// BlobDeleter deletes committed blobs by their index-relative path.
type BlobDeleter interface {
	Delete(relPath string) error
}

// Engine picks and removes LRU entries when headroom is insufficient.
type Engine struct {
	repo      index.Repository
	store     BlobDeleter
	monitor   SpaceMonitor
	telemetry *telemetry.Telemetry

	// mu makes candidate selection + deletion exclusive so a concurrent
	// commit cannot race an upsert for a candidate key.
	mu sync.Mutex
}

func NewEngine(repo index.Repository, store BlobDeleter, monitor SpaceMonitor, tel *telemetry.Telemetry) *Engine {
	return &Engine{
		repo:      repo,
		store:     store,
		monitor:   monitor,
		telemetry: tel,
	}
}

// EnsureHeadroom evicts entries ascending by lastAccessedAt (ties broken by
// oldest downloadedAt) until sizeBytes fits within the reserve. The exclude
// key, the one currently being written, is never a candidate. If candidates
// run out before headroom is met it returns InsufficientStorageError and the
// pending download must fail with nothing committed.
func (e *Engine) EnsureHeadroom(ctx context.Context, sizeBytes int64, exclude book.Key) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.monitor.CanAccommodate(sizeBytes)
	if err != nil {
		return 0, err
	}

	if ok {
		return 0, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	entries, err := e.repo.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	candidates := entries[:0]
	for _, entry := range entries {
		if entry.Key != exclude {
			candidates = append(candidates, entry)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccessedAt.Equal(candidates[j].LastAccessedAt) {
			return candidates[i].DownloadedAt.Before(candidates[j].DownloadedAt)
		}

		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	var freed int64

	for _, victim := range candidates {
		if err := e.store.Delete(victim.LocalPath); err != nil {
			logger.Error("failed to delete evicted file", "key", victim.Key.String(), "err", err)

			continue
		}

		if err := e.repo.Remove(ctx, victim.Key); err != nil {
			return freed, err
		}

		freed += victim.SizeBytes
		e.telemetry.RecordEviction(victim.SizeBytes)

		logger.Info("evicted cache entry",
			"key", victim.Key.String(),
			"freed", humanize.Bytes(uint64(victim.SizeBytes)),
			"last_accessed_at", victim.LastAccessedAt,
		)

		ok, err := e.monitor.CanAccommodate(sizeBytes)
		if err != nil {
			return freed, err
		}

		if ok {
			return freed, nil
		}
	}

	available, err := e.monitor.AvailableBytes()
	if err != nil {
		return freed, err
	}

	return freed, &cache.InsufficientStorageError{
		NeededBytes:    sizeBytes,
		AvailableBytes: available,
		ReserveBytes:   e.monitor.ReserveBytes(),
	}
}
