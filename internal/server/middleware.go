package server

import (
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/stdiobridge/core/logx"
	"github.com/gaspardpetit/stdiobridge/internal/metrics"
)

// MiddlewareChain returns the shared middleware stack.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		if zerolog.GlobalLevel() <= zerolog.InfoLevel {
			logx.Log.Info().Str("method", r.Method).Str("url", r.URL.String()).Int("status", lrw.status).Msg("http")
		}
	})
}

// BearerAuth enforces the shared-secret bearer token: a missing or non-bearer
// Authorization header is 401, a mismatched secret is 403.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return secretAuth(token, bearerSecret)
}

// WebsocketAuth is BearerAuth plus a "key" query-parameter fallback for
// browser websocket clients, which cannot set an Authorization header.
func WebsocketAuth(token string) func(http.Handler) http.Handler {
	return secretAuth(token, func(r *http.Request) (string, bool) {
		if s, ok := bearerSecret(r); ok {
			return s, true
		}
		if k := r.URL.Query().Get("key"); k != "" {
			return k, true
		}
		return "", false
	})
}

func secretAuth(token string, presented func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := presented(r)
			if !ok {
				metrics.RecordRPCRequest("unauthorized")
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			if secret != token {
				metrics.RecordRPCRequest("unauthorized")
				writeError(w, http.StatusForbidden, "forbidden", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerSecret(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	return "", false
}
