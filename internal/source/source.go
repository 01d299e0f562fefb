// Package source fetches book content over HTTP from the delivery endpoint.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/italolelis/bookshelf_cache/internal/cache"
	"golang.org/x/oauth2"
)

// Client downloads book files from their source URLs. When the delivery
// endpoint requires authentication, requests carry a bearer token.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a source client. token may be empty for unauthenticated
// sources; when set, the underlying transport injects it as a bearer token
// on every request.
func NewClient(token string) *Client {
	httpClient := http.DefaultClient

	if token != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), tokenSource)
	}

	return &Client{httpClient: httpClient}
}

// NewClientWithHTTP builds a source client over a caller-supplied http.Client.
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

// Fetch opens a streaming read of the content at url. It returns the body
// and the declared Content-Length, or -1 when the length is unknown.
// Transfer deadlines come from ctx; the body stops delivering once ctx is
// cancelled, which is what makes cancellation cooperative at chunk reads.
func (c *Client) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &cache.NetworkError{URL: url, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()

		return nil, 0, &cache.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}
