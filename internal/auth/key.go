// Package auth guards the sidecar's local HTTP surface: bearer API key
// validation, per-client request rate limiting, and blocking of clients
// that keep presenting bad keys.
package auth

import (
	"crypto/subtle"
	"os"
	"strings"
)

// DefaultEnvVar names the environment variable holding the sidecar API key.
const DefaultEnvVar = "DESKMATE_API_KEY"

// ValidateKey reports whether provided equals expected using a
// constant-time comparison. An empty expected key never validates.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv returns the API key from DefaultEnvVar, or "" when unset.
func KeyFromEnv() string {
	return strings.TrimSpace(os.Getenv(DefaultEnvVar))
}

// bearerToken extracts the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	const scheme = "bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	return token, token != ""
}
