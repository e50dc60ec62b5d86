package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey = errors.New("invalid API key")
	ErrMissingKey = errors.New("missing API key")
)

// PublicPaths are served without a key
var PublicPaths = []string{"/health", "/metrics"}

// APIKeyAuth validates bearer keys against a bcrypt hash
type APIKeyAuth struct {
	hash []byte

	// last key that passed bcrypt, compared in constant time afterwards
	mu       sync.RWMutex
	verified string
}

// NewAPIKeyAuth accepts either a bcrypt hash or a plaintext key, which is hashed here
func NewAPIKeyAuth(key string) (*APIKeyAuth, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if isBcryptHash(key) {
		if _, err := bcrypt.Cost([]byte(key)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
		return &APIKeyAuth{hash: []byte(key)}, nil
	}
	hash, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}
	return &APIKeyAuth{hash: []byte(hash)}, nil
}

// Validate checks a presented key
func (a *APIKeyAuth) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}

	a.mu.RLock()
	verified := a.verified
	a.mu.RUnlock()
	if verified != "" && SecureCompare(verified, key) {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return ErrInvalidKey
	}

	a.mu.Lock()
	a.verified = key
	a.mu.Unlock()
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer <key>" header
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range PublicPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}

		if err := a.Validate(BearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="trailscan"`)
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// GenerateAPIKey generates a new random API key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash to put in auth.api_key
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
