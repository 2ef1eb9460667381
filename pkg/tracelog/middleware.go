package tracelog

import (
	"net/http"

	"tracelog/pkg/scope"
)

// Middleware starts a request lifecycle for every inbound request. The request
// id is taken from header (X-Request-ID when empty) or generated, and echoed
// back on the response.
func Middleware(r *Recorder, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = scope.DefaultRequestIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := scope.RequestIDFromHeader(req.Header, header)
			w.Header().Set(header, id)

			ctx, end := r.Begin(req.Context(), scope.FromRequest(req, id))
			defer end()

			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}
