// Package reconcile keeps the cache index and the managed directory tree
// consistent: the index is authoritative, so files without a record are
// orphans to delete and records without a file are ghosts to drop.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/blobstore"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
)

// graceAge protects blobs and temp files younger than this from the sweep,
// so a commit racing the sweep between rename and upsert is never collected.
const graceAge = time.Hour

// Reconciler periodically reconciles the index against the directory tree.
type Reconciler struct {
	repo  index.Repository
	store *blobstore.Store
}

func New(repo index.Repository, store *blobstore.Store) *Reconciler {
	return &Reconciler{repo: repo, store: store}
}

// Rebuild re-derives the whole index from a directory scan. Used when the
// persisted index was unreadable: degraded (titles and access history are
// approximated from file metadata) but self-healing.
func (r *Reconciler) Rebuild(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	files, err := r.store.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan managed root: %w", err)
	}

	for _, f := range files {
		name := filepath.Base(f.RelPath)

		entry := &index.Entry{
			Key:            f.Key,
			Title:          strings.TrimSuffix(name, filepath.Ext(name)),
			LocalPath:      f.RelPath,
			SizeBytes:      f.SizeBytes,
			DownloadedAt:   f.ModTime,
			LastAccessedAt: f.ModTime,
		}

		if err := r.repo.Upsert(ctx, entry); err != nil {
			return fmt.Errorf("failed to rebuild entry for %s: %w", f.Key.String(), err)
		}
	}

	logger.Info("rebuilt cache index from directory scan", "entries", len(files))

	return nil
}

// Sweep performs one reconciliation pass: drop ghost records, delete orphan
// blobs and clear stale temp files.
func (r *Reconciler) Sweep(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := r.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list index entries: %w", err)
	}

	indexed := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		size, err := r.store.Size(entry.LocalPath)

		switch {
		case os.IsNotExist(err):
			logger.Warn("dropping ghost index entry", "key", entry.Key.String(), "path", entry.LocalPath)

			if err := r.repo.Remove(ctx, entry.Key); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("failed to stat %s: %w", entry.LocalPath, err)
		case size != entry.SizeBytes:
			// A record whose file changed size is as broken as a missing one.
			logger.Warn("dropping index entry with mismatched file size",
				"key", entry.Key.String(), "want", entry.SizeBytes, "got", size)

			if err := r.repo.Remove(ctx, entry.Key); err != nil {
				return err
			}

			if err := r.store.Delete(entry.LocalPath); err != nil {
				logger.Error("failed to delete mismatched file", "path", entry.LocalPath, "err", err)
			}
		default:
			indexed[entry.LocalPath] = struct{}{}
		}
	}

	files, err := r.store.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan managed root: %w", err)
	}

	now := time.Now()

	for _, f := range files {
		if _, ok := indexed[f.RelPath]; ok {
			continue
		}

		if now.Sub(f.ModTime) < graceAge {
			continue
		}

		logger.Warn("deleting orphan file", "path", f.RelPath)

		if err := r.store.Delete(f.RelPath); err != nil {
			logger.Error("failed to delete orphan file", "path", f.RelPath, "err", err)
		}
	}

	stale, err := r.store.StaleTempFiles(now.Add(-graceAge))
	if err != nil {
		return fmt.Errorf("failed to list temp files: %w", err)
	}

	for _, tempPath := range stale {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale temp file", "path", tempPath, "err", err)
		}
	}

	return nil
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if err := r.Sweep(ctx); err != nil {
		logger.Error("reconciliation sweep failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler shutting down")

			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logger.Error("reconciliation sweep failed", "err", err)
			}
		}
	}
}
