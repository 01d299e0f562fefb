// Package cache defines the error taxonomy shared by the cache subsystem.
// Classification drives the retry policy: transient classes are retried
// internally, terminal classes surface to every waiter immediately.
package cache

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrCancelled is returned to a waiter whose interest in a download was
// cancelled. When the task is shared it is visible only to the cancelling
// caller.
var ErrCancelled = errors.New("download cancelled")

// NetworkError represents a failed transfer attempt: connection errors,
// timeouts and non-2xx responses from the book source. Retryable.
type NetworkError struct {
	URL        string
	StatusCode int // 0 for non-HTTP failures
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error fetching %s (HTTP %d)", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// CorruptedFileError represents a size or checksum mismatch detected after a
// transfer completed but before commit. Treated as a retryable failure so a
// truncated stream never becomes a silent partial cache.
type CorruptedFileError struct {
	Path         string
	WantSize     int64
	GotSize      int64
	WantChecksum string
	GotChecksum  string
}

func (e *CorruptedFileError) Error() string {
	if e.WantChecksum != "" && e.WantChecksum != e.GotChecksum {
		return fmt.Sprintf("corrupted file %s: checksum mismatch (want %s, got %s)", e.Path, e.WantChecksum, e.GotChecksum)
	}

	return fmt.Sprintf("corrupted file %s: size mismatch (want %d, got %d)", e.Path, e.WantSize, e.GotSize)
}

// InsufficientStorageError means eviction exhausted every candidate and the
// configured reserve still cannot be kept free. Terminal: the caller has to
// free space, retrying cannot help.
type InsufficientStorageError struct {
	NeededBytes    int64
	AvailableBytes int64
	ReserveBytes   int64
}

func (e *InsufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage: need %s, %s available, %s reserved",
		humanize.Bytes(uint64(e.NeededBytes)),
		humanize.Bytes(uint64(e.AvailableBytes)),
		humanize.Bytes(uint64(e.ReserveBytes)))
}

// IsRetryable reports whether the orchestrator may retry the failed attempt.
func IsRetryable(err error) bool {
	var insufficient *InsufficientStorageError
	if errors.As(err, &insufficient) {
		return false
	}

	if errors.Is(err, ErrCancelled) {
		return false
	}

	var network *NetworkError
	var corrupted *CorruptedFileError

	return errors.As(err, &network) || errors.As(err, &corrupted)
}
