package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyKey    = errors.New("empty key")
	ErrKeyTooLong  = errors.New("key too long")
	ErrKeyMismatch = errors.New("key mismatch")
)

// maxKeyLen is the longest input bcrypt accepts.
const maxKeyLen = 72

// HashKey returns a bcrypt digest of a room key.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("%w: must be at most %d bytes, got %d", ErrKeyTooLong, maxKeyLen, len(key))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// CompareKey checks key against a digest produced by HashKey.
func CompareKey(hash, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrKeyMismatch
	}
	return nil
}

// TokenEqual compares a presented bearer token with the shared secret in
// constant time.
func TokenEqual(presented, secret string) bool {
	if presented == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// GenerateToken returns n random bytes encoded as URL-safe base64.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
