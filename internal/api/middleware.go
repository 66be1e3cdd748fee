package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/store"
)

const (
	// UserHeader carries the opaque user id set by the identity proxy in front of the API.
	UserHeader          = "X-User-ID"
	internalServerError = "Internal server error"
)

type ctxKey struct{}

// OwnerFromContext returns the authenticated user id.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ctxKey{}).(string)
	return owner, ok && owner != ""
}

// IdentityMiddleware rejects requests without a user id.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(UserHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, store.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, owner)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start).Round(time.Microsecond),
			)
		})
	}
}

func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "method", r.Method, "path", r.URL.Path, "panic", err)
					writeError(w, http.StatusInternalServerError, internalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
