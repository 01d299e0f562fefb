package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/bookshelf_cache/internal/book"
	"github.com/italolelis/bookshelf_cache/internal/cache"
	"github.com/italolelis/bookshelf_cache/internal/downloader"
	"github.com/italolelis/bookshelf_cache/internal/index"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
	"github.com/italolelis/bookshelf_cache/internal/telemetry"
)

// CacheManager is the slice of the download manager the API exposes.
type CacheManager interface {
	Request(ctx context.Context, key book.Key, sourceURL string, meta book.Meta) <-chan downloader.Result
	Status(ctx context.Context, key book.Key) (downloader.Status, error)
	Cancel(key book.Key) bool
	Delete(ctx context.Context, key book.Key) error
	ListCached(ctx context.Context) ([]index.Entry, error)
	TotalCacheSize(ctx context.Context) (int64, error)
}

type requestPayload struct {
	SourceURL string `json:"sourceUrl"`
	Title     string `json:"title"`
	CoverURL  string `json:"coverUrl,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

type entryPayload struct {
	Kind           string    `json:"kind"`
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	LocalPath      string    `json:"localPath"`
	SizeBytes      int64     `json:"sizeBytes"`
	DownloadedAt   time.Time `json:"downloadedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

type statusPayload struct {
	State          string     `json:"state"`
	Progress       *float64   `json:"progress,omitempty"`
	SizeBytes      int64      `json:"sizeBytes,omitempty"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
}

// CacheHandler serves the cache admin/read API.
type CacheHandler struct {
	username  string
	password  string
	manager   CacheManager
	telemetry *telemetry.Telemetry
}

// NewCacheHandler creates a new cache API handler. Empty credentials disable
// basic auth.
func NewCacheHandler(username, password string, manager CacheManager, t *telemetry.Telemetry) *CacheHandler {
	return &CacheHandler{
		username:  username,
		password:  password,
		manager:   manager,
		telemetry: t,
	}
}

func (h *CacheHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	if h.username != "" {
		r.Use(h.basicAuth)
	}

	r.Get("/cache", h.handleList)
	r.Get("/cache/size", h.handleTotalSize)
	r.Get("/cache/{kind}/{id}", h.handleStatus)
	r.Post("/cache/{kind}/{id}", h.handleRequest)
	r.Post("/cache/{kind}/{id}/cancel", h.handleCancel)
	r.Delete("/cache/{kind}/{id}", h.handleDelete)

	return r
}

func (h *CacheHandler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="bookshelf_cache"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *CacheHandler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.ListCached(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	payload := make([]entryPayload, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, entryPayload{
			Kind:           string(e.Key.Kind),
			ID:             e.Key.ID,
			Title:          e.Title,
			LocalPath:      e.LocalPath,
			SizeBytes:      e.SizeBytes,
			DownloadedAt:   e.DownloadedAt,
			LastAccessedAt: e.LastAccessedAt,
		})
	}

	writeJSON(w, http.StatusOK, payload)
}

func (h *CacheHandler) handleTotalSize(w http.ResponseWriter, r *http.Request) {
	total, err := h.manager.TotalCacheSize(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"totalBytes": total})
}

func (h *CacheHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	status, err := h.manager.Status(r.Context(), key)
	if err != nil {
		writeError(w, r, err)

		return
	}

	payload := statusPayload{State: string(status.Kind)}

	switch status.Kind {
	case downloader.StatusDownloading:
		if status.Progress >= 0 {
			payload.Progress = &status.Progress
		}
	case downloader.StatusCached:
		payload.SizeBytes = status.SizeBytes
		payload.LastAccessedAt = &status.LastAccessedAt
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleRequest enqueues a download. With ?wait=true the response blocks
// until the transfer settles and carries the local path.
func (h *CacheHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	var payload requestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if payload.SourceURL == "" {
		http.Error(w, "sourceUrl is required", http.StatusBadRequest)

		return
	}

	results := h.manager.Request(r.Context(), key, payload.SourceURL, book.Meta{
		Title:    payload.Title,
		CoverURL: payload.CoverURL,
		Checksum: payload.Checksum,
	})

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]string{"state": "accepted"})

		return
	}

	select {
	case <-r.Context().Done():
		// The HTTP client went away; the transfer keeps running for other
		// waiters and for the next status poll.
		return
	case res := <-results:
		if res.Err != nil {
			writeError(w, r, res.Err)

			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"localPath": res.Path})
	}
}

func (h *CacheHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	if !h.manager.Cancel(key) {
		http.Error(w, "no in-flight download", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"state": "cancelling"})
}

func (h *CacheHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.manager.Delete(r.Context(), key); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func keyFromRequest(w http.ResponseWriter, r *http.Request) (book.Key, bool) {
	kind, err := book.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return book.Key{}, false
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid book id", http.StatusBadRequest)

		return book.Key{}, false
	}

	return book.NewKey(kind, id), true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the cache error taxonomy onto HTTP statuses so clients can
// tell "retry possible", "needs the user to free space" and "source
// unusable" apart.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logctx.LoggerFromContext(r.Context()).Error("cache api error", "err", err)

	var insufficient *cache.InsufficientStorageError
	var network *cache.NetworkError
	var corrupted *cache.CorruptedFileError

	switch {
	case errors.As(err, &insufficient):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.As(err, &network), errors.As(err, &corrupted):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, cache.ErrCancelled):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
