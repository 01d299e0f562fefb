// Package blobstore is the storage backend for cached book files: raw file
// I/O under a managed root, with write-to-temp and atomic move-into-place.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// tempDirName lives inside the managed root so renames into place stay
	// on the same volume and remain atomic.
	tempDirName = "tmp"
)

// Store manages the directory tree that holds committed book blobs.
// Layout: <root>/<kind>/<id>/<filename>, temp files under <root>/tmp.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating the root and temp directories.
func New(dir string) (*Store, error) {
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(absRoot, tempDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	return &Store{root: absRoot}, nil
}

// Root returns the absolute managed root.
func (s *Store) Root() string {
	return s.root
}

// Abs resolves a path relative to the managed root.
func (s *Store) Abs(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// EntryPath returns the relative path a committed blob for key lives at.
func (s *Store) EntryPath(key book.Key, filename string) string {
	return filepath.Join(string(key.Kind), strconv.FormatInt(key.ID, 10), filename)
}

// WriteTemp streams r into a fresh temporary file and returns its absolute
// path and the number of bytes written. The caller owns the temp file and
// must either Commit or Discard it.
func (s *Store) WriteTemp(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tempDirName), "download-*.part")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmp.Name())

		return "", written, fmt.Errorf("failed to write temp file: %w", err)
	}

	return tmp.Name(), written, nil
}

// Commit moves a temp file to its final relative path with an atomic rename.
// A crash between write and rename never yields a half-written file at the
// final path.
func (s *Store) Commit(tempPath, relPath string) error {
	finalPath := s.Abs(relPath)

	if err := os.MkdirAll(filepath.Dir(finalPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)

		return fmt.Errorf("failed to commit file: %w", err)
	}

	return nil
}

// Discard removes a temp file, ignoring already-gone files.
func (s *Store) Discard(tempPath string) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		_ = err // best-effort; reconciliation sweeps stale temp files
	}
}

// Delete removes a committed blob and prunes its now-empty parent
// directories. Missing files are not an error: the index is authoritative.
func (s *Store) Delete(relPath string) error {
	absPath := s.Abs(relPath)

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}

	// Prune <root>/<kind>/<id> and stop at the kind directory.
	dir := filepath.Dir(absPath)
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			break // not empty or already gone
		}

		dir = filepath.Dir(dir)
	}

	return nil
}

// Size returns the on-disk size of a committed blob.
func (s *Store) Size(relPath string) (int64, error) {
	info, err := os.Stat(s.Abs(relPath))
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// ScannedFile describes one committed blob found by Scan.
type ScannedFile struct {
	Key       book.Key
	RelPath   string
	SizeBytes int64
	ModTime   time.Time
}

// Scan walks the managed tree and re-derives one record per committed blob.
// Used to rebuild an unreadable index and by the reconciliation sweep.
func (s *Store) Scan() ([]ScannedFile, error) {
	var files []ScannedFile

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == filepath.Join(s.root, tempDirName) {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		key, ok := keyFromRelPath(rel)
		if !ok {
			return nil // stray file outside the kind/id layout; reconciliation handles it
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, ScannedFile{
			Key:       key,
			RelPath:   rel,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache root: %w", err)
	}

	return files, nil
}

// StaleTempFiles lists leftover temp files not modified since cutoff.
// In-flight transfers keep writing their temp file, so an old modification
// time means the transfer that owned it is gone (crash or failed discard).
func (s *Store) StaleTempFiles(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tempDirName))
	if err != nil {
		return nil, err
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			paths = append(paths, filepath.Join(s.root, tempDirName, e.Name()))
		}
	}

	return paths, nil
}

func keyFromRelPath(rel string) (book.Key, bool) {
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 3 {
		return book.Key{}, false
	}

	kind, err := book.ParseKind(parts[0])
	if err != nil {
		return book.Key{}, false
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return book.Key{}, false
	}

	return book.NewKey(kind, id), true
}
