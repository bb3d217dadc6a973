// Package middleware holds HTTP middleware shared by the server's routes.
package middleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
)

// SensitiveQueryParams are query parameters that are redacted in request logs.
var SensitiveQueryParams = []string{"token", "password", "api_key", "apiKey", "secret", "access_token"}

// quietPaths are logged at debug level; pollers hit them constantly.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger logs one line per request with sensitive query parameters
// redacted.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				kv := []interface{}{
					"method", r.Method,
					"path", redactSensitiveParams(r.URL),
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"remote", r.RemoteAddr,
				}
				if reqID := middleware.GetReqID(r.Context()); reqID != "" {
					kv = append(kv, "request_id", reqID)
				}

				switch {
				case ww.Status() >= http.StatusInternalServerError:
					log.Warn("request failed", kv...)
				case quietPaths[r.URL.Path]:
					log.Debug("request", kv...)
				default:
					log.Info("request", kv...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// redactSensitiveParams returns the request URI with sensitive query
// parameters redacted.
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	hasRedacted := false

	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			hasRedacted = true
		}
	}

	if !hasRedacted {
		return u.RequestURI()
	}

	return u.Path + "?" + query.Encode()
}
