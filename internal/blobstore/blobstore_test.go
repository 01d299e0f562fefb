package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteTempAndCommit(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	tempPath, written, err := store.WriteTemp(strings.NewReader("hello book"))
	require.NoError(t, err)
	require.Equal(t, int64(10), written)
	require.FileExists(t, tempPath)

	relPath := store.EntryPath(book.NewKey(book.KindEbook, 42), "book.epub")
	require.Equal(t, filepath.Join("ebook", "42", "book.epub"), relPath)

	require.NoError(t, store.Commit(tempPath, relPath))

	// The temp file is gone and the final file has the full content.
	require.NoFileExists(t, tempPath)

	data, err := os.ReadFile(store.Abs(relPath))
	require.NoError(t, err)
	require.Equal(t, "hello book", string(data))

	size, err := store.Size(relPath)
	require.NoError(t, err)
	require.Equal(t, int64(10), size)
}

func TestStore_Discard(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	tempPath, _, err := store.WriteTemp(strings.NewReader("partial"))
	require.NoError(t, err)

	store.Discard(tempPath)
	require.NoFileExists(t, tempPath)

	// Discarding twice is fine.
	store.Discard(tempPath)
}

func TestStore_DeletePrunesEmptyDirs(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	key := book.NewKey(book.KindMagazine, 7)
	relPath := commitBlob(t, store, key, "issue.pdf", "content")

	require.NoError(t, store.Delete(relPath))
	require.NoFileExists(t, store.Abs(relPath))

	// The now-empty id directory is pruned.
	require.NoDirExists(t, filepath.Join(store.Root(), "magazine", "7"))
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Delete(filepath.Join("ebook", "1", "gone.epub")))
}

func TestStore_DeleteKeepsSiblings(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	key := book.NewKey(book.KindEbook, 1)
	first := commitBlob(t, store, key, "a.epub", "a")
	second := commitBlob(t, store, key, "b.epub", "b")

	require.NoError(t, store.Delete(first))
	require.FileExists(t, store.Abs(second))
}

func TestStore_Scan(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	keyA := book.NewKey(book.KindEbook, 1)
	keyB := book.NewKey(book.KindMagazine, 2)
	commitBlob(t, store, keyA, "a.epub", "aaaa")
	commitBlob(t, store, keyB, "b.pdf", "bb")

	// Files under tmp/ and files outside the kind/id layout are ignored.
	_, _, err = store.WriteTemp(strings.NewReader("in-flight"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "stray.txt"), []byte("x"), 0o644))

	files, err := store.Scan()
	require.NoError(t, err)
	require.Len(t, files, 2)

	byKey := make(map[book.Key]ScannedFile, len(files))
	for _, f := range files {
		byKey[f.Key] = f
	}

	require.Equal(t, int64(4), byKey[keyA].SizeBytes)
	require.Equal(t, filepath.Join("ebook", "1", "a.epub"), byKey[keyA].RelPath)
	require.Equal(t, int64(2), byKey[keyB].SizeBytes)
	require.WithinDuration(t, time.Now(), byKey[keyA].ModTime, time.Minute)
}

func TestStore_StaleTempFiles(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	stalePath, _, err := store.WriteTemp(strings.NewReader("stale"))
	require.NoError(t, err)

	freshPath, _, err := store.WriteTemp(strings.NewReader("fresh"))
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	stale, err := store.StaleTempFiles(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{stalePath}, stale)
	require.NotContains(t, stale, freshPath)
}

func TestKeyFromRelPath(t *testing.T) {
	tests := []struct {
		rel  string
		want book.Key
		ok   bool
	}{
		{rel: filepath.Join("ebook", "42", "book.epub"), want: book.NewKey(book.KindEbook, 42), ok: true},
		{rel: filepath.Join("magazine", "7", "issue.pdf"), want: book.NewKey(book.KindMagazine, 7), ok: true},
		{rel: "stray.txt", ok: false},
		{rel: filepath.Join("ebook", "nan", "x.epub"), ok: false},
		{rel: filepath.Join("comics", "1", "x.cbz"), ok: false},
		{rel: filepath.Join("ebook", "1", "nested", "x.epub"), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, ok := keyFromRelPath(tt.rel)
			require.Equal(t, tt.ok, ok)

			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func commitBlob(t *testing.T, store *Store, key book.Key, filename, content string) string {
	t.Helper()

	tempPath, _, err := store.WriteTemp(strings.NewReader(content))
	require.NoError(t, err)

	relPath := store.EntryPath(key, filename)
	require.NoError(t, store.Commit(tempPath, relPath))

	return relPath
}
