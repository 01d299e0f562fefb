package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/bookshelf_cache/internal/cache"
	"github.com/stretchr/testify/require"
)

func TestClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("book content"))
	}))
	defer server.Close()

	client := NewClient("")

	body, total, err := client.Fetch(context.Background(), server.URL+"/book.epub")
	require.NoError(t, err)
	defer body.Close()

	require.Equal(t, int64(12), total)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "book content", string(data))
}

func TestClient_FetchNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient("")

	_, _, err := client.Fetch(context.Background(), server.URL+"/missing.epub")

	var network *cache.NetworkError
	require.ErrorAs(t, err, &network)
	require.Equal(t, http.StatusNotFound, network.StatusCode)
}

func TestClient_FetchConnectionError(t *testing.T) {
	client := NewClient("")

	_, _, err := client.Fetch(context.Background(), "http://127.0.0.1:1/book.epub")

	var network *cache.NetworkError
	require.ErrorAs(t, err, &network)
	require.Zero(t, network.StatusCode)
}

func TestClient_FetchSendsBearerToken(t *testing.T) {
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient("secret-token")

	body, _, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	body.Close()

	require.Equal(t, "Bearer secret-token", gotAuth)
}
