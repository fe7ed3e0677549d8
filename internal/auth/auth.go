package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadFormat     = errors.New("invalid Authorization header format")
	ErrEmptyKey      = errors.New("missing API key")
)

// ValidateAPIKey reports whether providedKey matches configKey using a
// constant-time comparison. An empty configKey never matches: callers treat
// that as the API being disabled, not as open access.
func ValidateAPIKey(providedKey, configKey string) bool {
	if configKey == "" || providedKey == "" {
		return false
	}
	if len(providedKey) != len(configKey) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(providedKey), []byte(configKey)) == 1
}

// ExtractAPIKey pulls the key out of an "Authorization: Bearer <key>" header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrBadFormat
	}

	key := strings.TrimSpace(header[len(prefix):])
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}
