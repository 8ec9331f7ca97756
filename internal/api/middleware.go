package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/metrics"
	"github.com/carinho/integracoes/internal/ratelimit"
)

// ClientHeader identifies the calling system for rate limiting. Requests
// without it are keyed by remote address.
const ClientHeader = "X-Client-ID"

func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware rejects requests over the per-minute limit with 429
// before the handler runs.
func RateLimitMiddleware(limiter *ratelimit.Limiter, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			ok, err := limiter.Allow(r.Context(), client)
			if err != nil {
				log.Error().Err(err).Str("client", client).Msg("rate limiter unavailable")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if !ok {
				metrics.RateLimited.Inc()
				log.Warn().Str("client", client).Int("limit", limiter.PerMinute()).Msg("rate limit exceeded")
				secs := int(math.Ceil(limiter.RetryAfter().Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
