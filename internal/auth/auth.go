// Package auth validates the API keys accepted by the admin surface.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidAPIKey is returned for keys that match no configured hash.
var ErrInvalidAPIKey = errors.New("invalid API key")

// KeySet holds the SHA-256 hashes of accepted keys. Plain keys are never stored.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet creates a key set from hex-encoded SHA-256 hashes.
func NewKeySet(hashes []string) (*KeySet, error) {
	ks := &KeySet{}
	for _, h := range hashes {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("invalid key hash %q: expected 64 hex characters", h)
		}
		ks.hashes = append(ks.hashes, raw)
	}
	return ks, nil
}

// Empty reports whether no keys are configured.
func (k *KeySet) Empty() bool {
	return k == nil || len(k.hashes) == 0
}

// Validate checks apiKey against every configured hash in constant time.
func (k *KeySet) Validate(apiKey string) error {
	if k.Empty() {
		return ErrInvalidAPIKey
	}

	sum := sha256.Sum256([]byte(apiKey))
	match := 0
	for _, h := range k.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], h)
	}
	if match != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
