package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/bookshelf_cache/internal/logctx"
)

type requestIDKey struct{}

// RequestIDHeader propagates request ids across service boundaries.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an id: reused from the incoming
// X-Request-ID header when an upstream set one, freshly generated otherwise.
// The id is echoed on the response, stored in the context and bound to the
// context logger so every log line emitted for the request carries it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("request_id", id))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id stored by the RequestID middleware, or empty
// when the middleware did not run.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)

	return id
}
