package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/cache"
	"github.com/italolelis/bookshelf_cache/internal/downloader"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/stretchr/testify/require"
)

// mockCacheManager implements CacheManager for testing.
type mockCacheManager struct {
	requestFunc   func(ctx context.Context, key book.Key, sourceURL string, meta book.Meta) <-chan downloader.Result
	statusFunc    func(ctx context.Context, key book.Key) (downloader.Status, error)
	cancelFunc    func(key book.Key) bool
	deleteFunc    func(ctx context.Context, key book.Key) error
	listFunc      func(ctx context.Context) ([]index.Entry, error)
	totalSizeFunc func(ctx context.Context) (int64, error)

	lastKey       book.Key
	lastSourceURL string
	lastMeta      book.Meta
}

func (m *mockCacheManager) Request(ctx context.Context, key book.Key, sourceURL string, meta book.Meta) <-chan downloader.Result {
	m.lastKey = key
	m.lastSourceURL = sourceURL
	m.lastMeta = meta

	if m.requestFunc != nil {
		return m.requestFunc(ctx, key, sourceURL, meta)
	}

	out := make(chan downloader.Result, 1)
	out <- downloader.Result{Path: "/cache/ebook/42/book.epub"}

	return out
}

func (m *mockCacheManager) Status(ctx context.Context, key book.Key) (downloader.Status, error) {
	m.lastKey = key

	if m.statusFunc != nil {
		return m.statusFunc(ctx, key)
	}

	return downloader.Status{Kind: downloader.StatusNotCached}, nil
}

func (m *mockCacheManager) Cancel(key book.Key) bool {
	m.lastKey = key

	if m.cancelFunc != nil {
		return m.cancelFunc(key)
	}

	return false
}

func (m *mockCacheManager) Delete(ctx context.Context, key book.Key) error {
	m.lastKey = key

	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, key)
	}

	return nil
}

func (m *mockCacheManager) ListCached(ctx context.Context) ([]index.Entry, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}

	return nil, nil
}

func (m *mockCacheManager) TotalCacheSize(ctx context.Context) (int64, error) {
	if m.totalSizeFunc != nil {
		return m.totalSizeFunc(ctx)
	}

	return 0, nil
}

func newTestServer(manager CacheManager) *httptest.Server {
	handler := NewCacheHandler("", "", manager, nil)

	return httptest.NewServer(handler.Routes())
}

func TestCacheHandler_List(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	manager := &mockCacheManager{
		listFunc: func(context.Context) ([]index.Entry, error) {
			return []index.Entry{{
				Key:            book.NewKey(book.KindEbook, 42),
				Title:          "A Book",
				LocalPath:      "ebook/42/book.epub",
				SizeBytes:      1024,
				DownloadedAt:   now,
				LastAccessedAt: now,
			}}, nil
		},
	}

	server := newTestServer(manager)
	defer server.Close()

	resp, err := http.Get(server.URL + "/cache")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload []entryPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload, 1)
	require.Equal(t, "ebook", payload[0].Kind)
	require.Equal(t, int64(42), payload[0].ID)
	require.Equal(t, "A Book", payload[0].Title)
	require.Equal(t, int64(1024), payload[0].SizeBytes)
}

func TestCacheHandler_TotalSize(t *testing.T) {
	manager := &mockCacheManager{
		totalSizeFunc: func(context.Context) (int64, error) { return 4096, nil },
	}

	server := newTestServer(manager)
	defer server.Close()

	resp, err := http.Get(server.URL + "/cache/size")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, int64(4096), payload["totalBytes"])
}

func TestCacheHandler_Status(t *testing.T) {
	tests := []struct {
		name       string
		status     downloader.Status
		wantState  string
		wantFields func(t *testing.T, payload statusPayload)
	}{
		{
			name:      "not cached",
			status:    downloader.Status{Kind: downloader.StatusNotCached},
			wantState: "not_cached",
		},
		{
			name:      "downloading with progress",
			status:    downloader.Status{Kind: downloader.StatusDownloading, Progress: 0.5},
			wantState: "downloading",
			wantFields: func(t *testing.T, payload statusPayload) {
				require.NotNil(t, payload.Progress)
				require.InDelta(t, 0.5, *payload.Progress, 1e-9)
			},
		},
		{
			name:      "downloading indeterminate",
			status:    downloader.Status{Kind: downloader.StatusDownloading, Progress: -1},
			wantState: "downloading",
			wantFields: func(t *testing.T, payload statusPayload) {
				require.Nil(t, payload.Progress)
			},
		},
		{
			name: "cached",
			status: downloader.Status{
				Kind:           downloader.StatusCached,
				SizeBytes:      2048,
				LastAccessedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			},
			wantState: "cached",
			wantFields: func(t *testing.T, payload statusPayload) {
				require.Equal(t, int64(2048), payload.SizeBytes)
				require.NotNil(t, payload.LastAccessedAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &mockCacheManager{
				statusFunc: func(context.Context, book.Key) (downloader.Status, error) {
					return tt.status, nil
				},
			}

			server := newTestServer(manager)
			defer server.Close()

			resp, err := http.Get(server.URL + "/cache/ebook/42")
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, book.NewKey(book.KindEbook, 42), manager.lastKey)

			var payload statusPayload
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			require.Equal(t, tt.wantState, payload.State)

			if tt.wantFields != nil {
				tt.wantFields(t, payload)
			}
		})
	}
}

func TestCacheHandler_RequestAccepted(t *testing.T) {
	manager := &mockCacheManager{}

	server := newTestServer(manager)
	defer server.Close()

	body := `{"sourceUrl":"https://books.example.com/42/book.epub","title":"A Book","checksum":"abc"}`

	resp, err := http.Post(server.URL+"/cache/magazine/7", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, book.NewKey(book.KindMagazine, 7), manager.lastKey)
	require.Equal(t, "https://books.example.com/42/book.epub", manager.lastSourceURL)
	require.Equal(t, book.Meta{Title: "A Book", Checksum: "abc"}, manager.lastMeta)
}

func TestCacheHandler_RequestWait(t *testing.T) {
	manager := &mockCacheManager{}

	server := newTestServer(manager)
	defer server.Close()

	body := `{"sourceUrl":"https://books.example.com/42/book.epub"}`

	resp, err := http.Post(server.URL+"/cache/ebook/42?wait=true", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "/cache/ebook/42/book.epub", payload["localPath"])
}

func TestCacheHandler_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "missing source url", path: "/cache/ebook/42", body: `{"title":"x"}`},
		{name: "invalid json", path: "/cache/ebook/42", body: `{`},
		{name: "unknown kind", path: "/cache/audiobook/42", body: `{"sourceUrl":"u"}`},
		{name: "non-numeric id", path: "/cache/ebook/abc", body: `{"sourceUrl":"u"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&mockCacheManager{})
			defer server.Close()

			resp, err := http.Post(server.URL+tt.path, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCacheHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "insufficient storage",
			err:        &cache.InsufficientStorageError{NeededBytes: 10, AvailableBytes: 1, ReserveBytes: 5},
			wantStatus: http.StatusInsufficientStorage,
		},
		{
			name:       "network failure",
			err:        &cache.NetworkError{URL: "u", StatusCode: 503},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "corrupted transfer",
			err:        &cache.CorruptedFileError{Path: "p", WantSize: 10, GotSize: 5},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "cancelled",
			err:        cache.ErrCancelled,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &mockCacheManager{
				requestFunc: func(context.Context, book.Key, string, book.Meta) <-chan downloader.Result {
					out := make(chan downloader.Result, 1)
					out <- downloader.Result{Err: tt.err}

					return out
				},
			}

			server := newTestServer(manager)
			defer server.Close()

			body := `{"sourceUrl":"https://books.example.com/42/book.epub"}`

			resp, err := http.Post(server.URL+"/cache/ebook/42?wait=true", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestCacheHandler_Cancel(t *testing.T) {
	t.Run("in-flight download", func(t *testing.T) {
		manager := &mockCacheManager{
			cancelFunc: func(book.Key) bool { return true },
		}

		server := newTestServer(manager)
		defer server.Close()

		resp, err := http.Post(server.URL+"/cache/ebook/42/cancel", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("nothing to cancel", func(t *testing.T) {
		server := newTestServer(&mockCacheManager{})
		defer server.Close()

		resp, err := http.Post(server.URL+"/cache/ebook/42/cancel", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCacheHandler_Delete(t *testing.T) {
	manager := &mockCacheManager{}

	server := newTestServer(manager)
	defer server.Close()

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/cache/ebook/42", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, book.NewKey(book.KindEbook, 42), manager.lastKey)
}

func TestCacheHandler_BasicAuth(t *testing.T) {
	handler := NewCacheHandler("admin", "s3cret", &mockCacheManager{}, nil)

	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	t.Run("missing credentials", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/cache")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong password", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/cache", nil)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "wrong")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid credentials", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/cache", nil)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "s3cret")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
