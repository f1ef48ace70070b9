package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/ratelimit"
)

// corsMiddleware allows browser-based collaborators to call the API
// directly; origins are not restricted since this ingress is illustrative
// rather than a hardened public edge.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware logs one structured entry per request, the way the
// rest of the tree logs component actions.
func requestLogMiddleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.status,
				"duration": time.Since(start).String(),
			}).Info("request handled")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// rateLimitMiddleware applies the per-client-key token bucket at the
// ingress layer, using the standard client-identifier preference order.
func rateLimitMiddleware(limiter *ratelimit.Limiter, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.ResolveKey(bearerToken(r), r.Header.Get("X-API-Key"), r.RemoteAddr)

			result, err := limiter.Allow(r.Context(), key, 1)
			if err != nil {
				log.WithError(err).Error("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(result.Remaining, 'f', 0, 64))
			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", time.Until(result.ResetAt).Seconds()))
				writeError(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded for key "+key))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
