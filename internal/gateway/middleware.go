package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/owliabot/owliabot/internal/ratelimit"
)

type deviceContextKey struct{}

// deviceFromContext returns the authenticated device attached by
// deviceAuthMiddleware, or nil if the route has no auth requirement.
func deviceFromContext(ctx context.Context) *Device {
	dev, _ := ctx.Value(deviceContextKey{}).(*Device)
	return dev
}

// responseWriter wraps http.ResponseWriter to capture the status code and,
// optionally, a copy of the body for the idempotency cache.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        []byte
	capture     bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.capture {
		rw.body = append(rw.body, b...)
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware logs every request's method, path, status, and duration.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			if logger != nil {
				logger.Debug("gateway http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", time.Since(start),
				)
			}
		})
	}
}

// deviceAuthMiddleware validates the X-Device-Token header against store and
// requires the given scope (empty = any authenticated device). Failures
// return 401/403 as JSON, matching the rest of the gateway's API surface.
func deviceAuthMiddleware(store *DeviceStore, requireScope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Device-Token")
			dev, ok := store.Lookup(token)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "invalid or missing X-Device-Token")
				return
			}
			if requireScope != "" && !dev.HasScope(requireScope) {
				writeJSONError(w, http.StatusForbidden, "device lacks required scope: "+string(requireScope))
				return
			}
			store.Touch(token)
			ctx := context.WithValue(r.Context(), deviceContextKey{}, dev)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware enforces a per-device token bucket over limiter,
// keyed by the authenticated device's ID (falls back to remote address for
// unauthenticated routes like /pair/request).
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if dev := deviceFromContext(r.Context()); dev != nil {
				key = dev.ID
			}
			if !limiter.Allow(key) {
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// idempotencyMiddleware replays a cached response when the request carries
// an Idempotency-Key header already seen within the cache's TTL, and caches
// the response for first-time keys. Requests without the header pass
// through unmodified.
func idempotencyMiddleware(cache *IdempotencyCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if status, body, ok := cache.Get(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(status)
				_, _ = w.Write(body)
				return
			}
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK, capture: true}
			next.ServeHTTP(wrapped, r)
			cache.Put(key, wrapped.status, wrapped.body)
		})
	}
}

// chain applies middlewares in order, so the first middleware listed is the
// outermost wrapper (runs first on the way in, last on the way out).
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
