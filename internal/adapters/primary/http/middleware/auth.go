package middleware

import (
	"log/slog"
	"net/http"
)

// APIKeyHeader carries the emitter API key
const APIKeyHeader = "X-API-Key"

// KeyVerifier checks an emitter API key
type KeyVerifier interface {
	Verify(key string) error
}

// APIKey rejects requests whose X-API-Key header does not match one of the
// configured emitter keys.
func APIKey(verifier KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifier.Verify(r.Header.Get(APIKeyHeader)); err != nil {
				logger.WarnContext(r.Context(), "emit request rejected",
					"path", r.URL.Path,
					"client_ip", getClientIP(r),
					"error", err,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"A valid API key is required","code":"INVALID_API_KEY"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
