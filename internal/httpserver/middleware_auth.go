package httpserver

import (
	"net/http"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
)

// adminAuthMiddleware requires the X-Admin-Key header to match adminKey
// exactly. Every /admin-style route is mounted behind this per spec.md §6.
func adminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				writeError(w, apierrors.ErrCodeMissingAdminKey, "admin key not configured")
				return
			}
			if r.Header.Get("X-Admin-Key") != adminKey {
				writeError(w, apierrors.ErrCodeInvalidAdminKey, "missing or invalid X-Admin-Key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitMiddleware rejects request bodies over maxBytes with 413, per
// spec.md §6's 1 MiB default ceiling.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, apierrors.ErrCodeBodyTooLarge, "request body exceeds limit")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyFromRequest extracts the caller's bearer API key from X-API-Key.
func apiKeyFromRequest(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

// clientIPFromRequest returns the client IP, trusting middleware.RealIP to
// have already rewritten r.RemoteAddr from X-Forwarded-For/X-Real-IP.
func clientIPFromRequest(r *http.Request) string {
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
		if s[i] == ']' {
			return -1 // IPv6 without port, bracketed
		}
	}
	return -1
}
