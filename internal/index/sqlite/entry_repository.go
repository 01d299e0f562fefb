package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/index"
)

// EntryRepository stores cache entries in SQLite. The database serializes
// writers, which is what keeps the one-entry-per-key invariant under
// concurrent commits.
type EntryRepository struct {
	db *sql.DB
}

func NewEntryRepository(dbConn *sql.DB) *EntryRepository {
	return &EntryRepository{db: dbConn}
}

func (r *EntryRepository) Lookup(ctx context.Context, key book.Key) (*index.Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT kind, book_id, title, local_path, size_bytes, checksum, downloaded_at, last_accessed_at
		FROM cache_entries WHERE kind = ? AND book_id = ?
	`, string(key.Kind), key.ID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, index.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *EntryRepository) Upsert(ctx context.Context, entry *index.Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cache_entries (kind, book_id, title, local_path, size_bytes, checksum, downloaded_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, book_id) DO UPDATE SET
			title = excluded.title,
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			downloaded_at = excluded.downloaded_at,
			last_accessed_at = excluded.last_accessed_at
	`,
		string(entry.Key.Kind), entry.Key.ID, entry.Title, entry.LocalPath,
		entry.SizeBytes, entry.Checksum,
		entry.DownloadedAt.UTC().Format(time.RFC3339Nano),
		entry.LastAccessedAt.UTC().Format(time.RFC3339Nano),
	)

	return err
}

func (r *EntryRepository) Remove(ctx context.Context, key book.Key) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE kind = ? AND book_id = ?`,
		string(key.Kind), key.ID)

	return err
}

func (r *EntryRepository) ListAll(ctx context.Context) ([]index.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, book_id, title, local_path, size_bytes, checksum, downloaded_at, last_accessed_at
		FROM cache_entries
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []index.Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

// Touch advances last_accessed_at. The guard keeps access times monotonically
// non-decreasing even if callers race with skewed clocks.
func (r *EntryRepository) Touch(ctx context.Context, key book.Key, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_accessed_at = ?
		WHERE kind = ? AND book_id = ? AND last_accessed_at < ?
	`, at.UTC().Format(time.RFC3339Nano), string(key.Kind), key.ID, at.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *EntryRepository) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64

	if err := r.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}

	return total.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*index.Entry, error) {
	var (
		entry        index.Entry
		kind         string
		downloadedAt string
		accessedAt   string
	)

	if err := row.Scan(&kind, &entry.Key.ID, &entry.Title, &entry.LocalPath,
		&entry.SizeBytes, &entry.Checksum, &downloadedAt, &accessedAt); err != nil {
		return nil, err
	}

	entry.Key.Kind = book.Kind(kind)

	var err error
	if entry.DownloadedAt, err = time.Parse(time.RFC3339Nano, downloadedAt); err != nil {
		return nil, err
	}

	if entry.LastAccessedAt, err = time.Parse(time.RFC3339Nano, accessedAt); err != nil {
		return nil, err
	}

	return &entry, nil
}
