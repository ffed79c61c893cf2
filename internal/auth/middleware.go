package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Middleware returns HTTP middleware that requires a valid bearer API key.
// Requests to skipPaths (e.g. "/healthz") pass through, as does every
// request when noAuth is set. When limiter is non-nil, failed attempts are
// counted per client and a client is blocked after 10 failures in a minute
// for 5 minutes.
func Middleware(apiKey string, noAuth bool, skipPaths []string, limiter ...*RateLimiter) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	var rl *RateLimiter
	if len(limiter) > 0 {
		rl = limiter[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIPKeyFunc(r)
			if rl != nil && rl.IsAuthBlocked(client) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(client)))
				writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts, try again later")
				return
			}

			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				rl.AuthFailure(client)
				writeAuthError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			key, ok := bearerToken(header)
			if !ok {
				rl.AuthFailure(client)
				writeAuthError(w, http.StatusUnauthorized, "invalid Authorization format, expected 'Bearer <key>'")
				return
			}

			if !ValidateKey(key, apiKey) {
				rl.AuthFailure(client)
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			rl.AuthSuccess(client)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc identifies the calling client by the first
// X-Forwarded-For entry, falling back to the remote host without its port.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
