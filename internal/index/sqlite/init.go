package sqlite

import (
	"database/sql"
	"fmt"
	"os"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS cache_entries (
	kind TEXT NOT NULL,
	book_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	downloaded_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL,
	PRIMARY KEY (kind, book_id)
)`

// InitDB opens the SQLite index database and creates the cache_entries table
// if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

// Open initializes the index database, discarding and recreating it when the
// existing file is unreadable. The second return reports whether the index
// was reset and must be rebuilt by scanning the managed directory tree.
func Open(dbPath string) (*sql.DB, bool, error) {
	db, err := InitDB(dbPath)
	if err == nil {
		return db, false, nil
	}

	// The index is degraded but self-healing: drop the torn database and
	// start from an empty one. The caller rebuilds entries from file metadata.
	if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, false, fmt.Errorf("failed to remove unreadable index %s: %w", dbPath, rmErr)
	}

	db, err = InitDB(dbPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to recreate index: %w", err)
	}

	return db, true, nil
}
