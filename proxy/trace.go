package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/uipatch/kit"
)

// TraceID assigns each request a random ID, stored with kit.WithRequestID
// and echoed in X-Trace-ID, and logs the request at debug level.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := make([]byte, 4)
			rand.Read(id)
			traceID := hex.EncodeToString(id)

			ctx := kit.WithTransport(kit.WithRequestID(r.Context(), traceID), kit.TransportHTTP)
			w.Header().Set("X-Trace-ID", traceID)
			logger.Debug("proxy: request",
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
