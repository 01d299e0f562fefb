// Package downloader is the download orchestrator: it deduplicates
// concurrent requests per key, runs a bounded pool of transfers, retries
// transient failures and commits completed files to the store and the index.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/bookshelf_cache/internal/blobstore"
	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/cache"
	"github.com/italolelis/bookshelf_cache/internal/downloader/progress"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
	"github.com/italolelis/bookshelf_cache/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// progressInterval is how many bytes pass between progress reports.
const progressInterval = int64(1024 * 1024)

// Fetcher opens a streaming read of a source URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Evictor frees storage ahead of a commit. It returns
// *cache.InsufficientStorageError when it cannot.
type Evictor interface {
	EnsureHeadroom(ctx context.Context, sizeBytes int64, exclude book.Key) (int64, error)
}

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxParallel     int           // worker pool size, default 3
	MaxAttempts     int           // retry ceiling per task, default 3
	TransferTimeout time.Duration // per-attempt deadline, default 15m
	RetryBaseDelay  time.Duration // first backoff delay, default 500ms
	RetryMaxDelay   time.Duration // backoff cap, default 30s
	QueueCapacity   int           // pending task buffer, default 256
}

func (o *Options) withDefaults() {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 3
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}

	if o.TransferTimeout <= 0 {
		o.TransferTimeout = 15 * time.Minute
	}

	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}

	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}

	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
}

// Manager is the single long-lived cache service instance. Construct one at
// startup and pass it by handle; it holds its collaborators by reference.
type Manager struct {
	repo      index.Repository
	store     *blobstore.Store
	evictor   Evictor
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
	opts      Options

	mu    sync.Mutex
	tasks map[book.Key]*task
	queue chan *task

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	group *errgroup.Group
}

func NewManager(
	repo index.Repository,
	store *blobstore.Store,
	evictor Evictor,
	fetcher Fetcher,
	tel *telemetry.Telemetry,
	opts Options,
) *Manager {
	opts.withDefaults()

	return &Manager{
		repo:      repo,
		store:     store,
		evictor:   evictor,
		fetcher:   fetcher,
		telemetry: tel,
		opts:      opts,
		tasks:     make(map[book.Key]*task),
		queue:     make(chan *task, opts.QueueCapacity),
		subs:      make(map[int]chan Event),
	}
}

// Start launches the worker pool. Workers drain the FIFO queue until ctx is
// cancelled; the global concurrency ceiling is independent of how many
// distinct keys are requested.
func (m *Manager) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("starting download workers", "max_parallel", m.opts.MaxParallel)

	group, ctx := errgroup.WithContext(ctx)
	m.group = group

	for i := 0; i < m.opts.MaxParallel; i++ {
		group.Go(func() error {
			m.worker(ctx)

			return nil
		})
	}
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	if m.group != nil {
		_ = m.group.Wait()
	}
}

// Request returns a channel that settles with the local path of the cached
// book, downloading it first if needed. Concurrent requests for the same
// uncached key share exactly one transfer. The returned channel is buffered
// and receives exactly one Result.
func (m *Manager) Request(ctx context.Context, key book.Key, sourceURL string, meta book.Meta) <-chan Result {
	out := make(chan Result, 1)
	logger := logctx.LoggerFromContext(ctx)

	entry, err := m.repo.Lookup(ctx, key)

	switch {
	case err == nil:
		// Cache hit: no network, just advance the access time.
		if touchErr := m.repo.Touch(ctx, key, time.Now()); touchErr != nil {
			logger.Error("failed to update access time", "key", key.String(), "err", touchErr)
		}

		m.telemetry.RecordCacheHit(string(key.Kind))
		out <- Result{Path: m.store.Abs(entry.LocalPath)}

		return out
	case !errors.Is(err, index.ErrNotFound):
		out <- Result{Err: err}

		return out
	}

	m.telemetry.RecordCacheMiss(string(key.Kind))

	m.mu.Lock()

	if existing, ok := m.tasks[key]; ok {
		// A transfer for this key is already queued or running; the source
		// URL is non-identifying metadata, so a different URL never restarts
		// an in-flight transfer.
		existing.attach(out)
		m.mu.Unlock()

		return out
	}

	t := newTask(key, sourceURL, meta)
	t.attach(out)
	m.tasks[key] = t
	m.mu.Unlock()

	m.publish(Event{Type: EventQueued, Key: key})

	select {
	case m.queue <- t:
	default:
		m.settle(t, Result{Err: fmt.Errorf("download queue is full")}, StateFailed)
	}

	return out
}

// Cancel releases one waiter's interest in the in-flight download for key.
// Cancellation is reference-counted: the transfer is aborted and its temp
// data discarded only once every waiter has cancelled. Only the cancelling
// caller observes ErrCancelled. Reports whether a waiter was detached.
func (m *Manager) Cancel(key book.Key) bool {
	m.mu.Lock()
	t, ok := m.tasks[key]
	m.mu.Unlock()

	if !ok {
		return false
	}

	remaining, detached := t.cancelOne(cache.ErrCancelled)
	if detached && remaining == 0 {
		t.markCancelled()

		// Retire the dead task right away. A new Request for this key must
		// start a fresh transfer; only the cancelling callers ever see
		// ErrCancelled. The worker that eventually drains the queued task
		// settles it with no waiters left to notify.
		m.mu.Lock()
		if m.tasks[key] == t {
			delete(m.tasks, key)
		}
		m.mu.Unlock()
	}

	return detached
}

// Status reports the externally visible state of a key: not cached,
// downloading with progress, or cached with size and last access time.
func (m *Manager) Status(ctx context.Context, key book.Key) (Status, error) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	m.mu.Unlock()

	if ok {
		return Status{Kind: StatusDownloading, Progress: t.progress()}, nil
	}

	entry, err := m.repo.Lookup(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		return Status{Kind: StatusNotCached}, nil
	}

	if err != nil {
		return Status{}, err
	}

	return Status{
		Kind:           StatusCached,
		SizeBytes:      entry.SizeBytes,
		LastAccessedAt: entry.LastAccessedAt,
	}, nil
}

// Delete removes the cached entry and its file. The index record goes first:
// the index is authoritative, and a leftover file is an orphan the
// reconciliation sweep removes. Deleting an uncached key is a no-op.
func (m *Manager) Delete(ctx context.Context, key book.Key) error {
	entry, err := m.repo.Lookup(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := m.repo.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove index entry: %w", err)
	}

	if err := m.store.Delete(entry.LocalPath); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete cached file",
			"key", key.String(), "path", entry.LocalPath, "err", err)
	}

	return nil
}

// ListCached returns a snapshot of every committed entry.
func (m *Manager) ListCached(ctx context.Context) ([]index.Entry, error) {
	return m.repo.ListAll(ctx)
}

// TotalCacheSize returns the sum of sizes over all committed entries.
func (m *Manager) TotalCacheSize(ctx context.Context) (int64, error) {
	total, err := m.repo.TotalSize(ctx)
	if err != nil {
		return 0, err
	}

	m.telemetry.RecordCacheSize(total)

	return total, nil
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			m.run(ctx, t)
		}
	}
}

func (m *Manager) run(ctx context.Context, t *task) {
	logger := logctx.LoggerFromContext(ctx).With("key", t.key.String())

	if t.isCancelled() {
		m.settle(t, Result{Err: cache.ErrCancelled}, StateCancelled)

		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.setCancelRun(cancel)
	t.setState(StateInProgress)

	var committedPath string

	err := m.telemetry.InstrumentDownload(ctx, func(context.Context) (int64, error) {
		path, size, err := m.download(runCtx, t, logger)
		committedPath = path

		return size, err
	})

	switch {
	case err == nil:
		logger.Info("download committed", "path", committedPath)
		m.settle(t, Result{Path: committedPath}, StateCompleted)
	case t.isCancelled() || errors.Is(err, cache.ErrCancelled):
		logger.Info("download cancelled by all waiters")
		m.settle(t, Result{Err: cache.ErrCancelled}, StateCancelled)
	default:
		logger.Error("download failed", "err", err)
		m.settle(t, Result{Err: err}, StateFailed)
	}
}

// download runs the retry loop for one task and returns the committed
// absolute path and size. Transient failures back off exponentially with
// jitter up to the attempt ceiling; terminal classes stop immediately
// without consuming the remaining attempts.
func (m *Manager) download(ctx context.Context, t *task, logger *slog.Logger) (string, int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryBaseDelay
	b.MaxInterval = m.opts.RetryMaxDelay

	type committed struct {
		path string
		size int64
	}

	res, err := backoff.Retry(ctx, func() (committed, error) {
		t.incAttempts()

		path, size, err := m.attempt(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return committed{}, backoff.Permanent(cache.ErrCancelled)
			}

			if !cache.IsRetryable(err) {
				return committed{}, backoff.Permanent(err)
			}

			logger.Warn("transfer attempt failed", "err", err)

			return committed{}, err
		}

		return committed{path: path, size: size}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.opts.MaxAttempts)))
	if err != nil {
		return "", 0, err
	}

	return res.path, res.size, nil
}

// attempt performs one transfer: stream to temp, verify, make headroom,
// commit, upsert. Every failure path discards the temp data so no partial
// state survives.
func (m *Manager) attempt(ctx context.Context, t *task) (string, int64, error) {
	attemptCtx := ctx

	if m.opts.TransferTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, m.opts.TransferTimeout)

		defer cancel()
	}

	body, total, err := m.fetcher.Fetch(attemptCtx, t.sourceURL)
	if err != nil {
		return "", 0, err
	}

	defer body.Close()

	t.totalBytes.Store(total)
	t.bytesRead.Store(0)

	hasher := sha256.New()

	reader := progress.NewReader(
		progress.NewContextReader(attemptCtx, body),
		total,
		progressInterval,
		func(read, totalBytes int64) {
			t.bytesRead.Store(read)
			m.publish(Event{Type: EventProgress, Key: t.key, Progress: t.progress()})
		},
	)

	tempPath, written, err := m.store.WriteTemp(io.TeeReader(reader, hasher))
	t.bytesRead.Store(written)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The whole task was cancelled or the service is shutting down.
			return "", 0, cache.ErrCancelled
		case attemptCtx.Err() != nil:
			// Per-attempt deadline: a timed-out transfer re-enters the retry
			// policy as a network-class failure.
			return "", 0, &cache.NetworkError{URL: t.sourceURL, Err: attemptCtx.Err()}
		default:
			return "", 0, &cache.NetworkError{URL: t.sourceURL, Err: err}
		}
	}

	// Verify before any commit: a mismatch is a retryable failure, never a
	// silent partial cache.
	if total >= 0 && written != total {
		m.store.Discard(tempPath)

		return "", 0, &cache.CorruptedFileError{Path: tempPath, WantSize: total, GotSize: written}
	}

	if t.meta.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, t.meta.Checksum) {
			m.store.Discard(tempPath)

			return "", 0, &cache.CorruptedFileError{
				Path:         tempPath,
				WantSize:     total,
				GotSize:      written,
				WantChecksum: strings.ToLower(t.meta.Checksum),
				GotChecksum:  got,
			}
		}
	}

	// Guarantee the reserve stays free before moving into the managed root.
	if _, err := m.evictor.EnsureHeadroom(ctx, written, t.key); err != nil {
		m.store.Discard(tempPath)

		return "", 0, err
	}

	relPath := m.store.EntryPath(t.key, filenameFromURL(t.sourceURL))

	if err := m.store.Commit(tempPath, relPath); err != nil {
		return "", 0, err
	}

	now := time.Now()
	entry := &index.Entry{
		Key:            t.key,
		Title:          t.meta.Title,
		LocalPath:      relPath,
		SizeBytes:      written,
		Checksum:       strings.ToLower(t.meta.Checksum),
		DownloadedAt:   now,
		LastAccessedAt: now,
	}

	if err := m.repo.Upsert(ctx, entry); err != nil {
		// The index is authoritative: a committed file without a record is
		// an orphan, so take it back out rather than leave the pair torn.
		_ = m.store.Delete(relPath)

		return "", 0, fmt.Errorf("failed to index entry (%s written): %w",
			humanize.Bytes(uint64(written)), err)
	}

	return m.store.Abs(relPath), written, nil
}

// settle moves a task to its terminal state, retires it and notifies every
// remaining waiter. Retirement happens before resolution: once any waiter has
// been notified the task must be invisible to new requests, or a request
// could attach to a task that will never resolve again. The delete is guarded
// because a retired task may already have been replaced by a fresh one for
// the same key.
func (m *Manager) settle(t *task, res Result, state TaskState) {
	t.setState(state)

	m.mu.Lock()
	if m.tasks[t.key] == t {
		delete(m.tasks, t.key)
	}
	m.mu.Unlock()

	t.resolve(res)

	switch state {
	case StateCompleted:
		m.publish(Event{Type: EventCompleted, Key: t.key, Path: res.Path, Progress: 1})
	case StateCancelled:
		m.publish(Event{Type: EventCancelled, Key: t.key})
	default:
		m.publish(Event{Type: EventFailed, Key: t.key, Err: res.Err})
	}
}

// filenameFromURL derives the blob filename from the source URL, falling
// back to a fixed name when the path has none.
func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "content"
	}

	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "content"
	}

	return name
}
