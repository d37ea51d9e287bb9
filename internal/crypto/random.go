// Package crypto generates identifiers and secret material.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomString returns n random bytes as unpadded URL-safe base64.
func RandomString(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewID returns a random UUID string for record IDs, JTIs and sessions.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewToken returns an opaque token of n random bytes, formatted as
// "<prefix>_<base64url>", or bare base64url when prefix is empty.
func NewToken(prefix string, n int) (string, error) {
	s, err := RandomString(n)
	if err != nil || prefix == "" {
		return s, err
	}
	return prefix + "_" + s, nil
}
