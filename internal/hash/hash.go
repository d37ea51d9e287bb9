// Package hash derives lookup keys for stored credentials.
//
// Raw credentials are never persisted. Stores are keyed by a keyed digest
// of the credential instead, with per-authority salts derived from one
// master secret.
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SHA256 returns the hex SHA-256 digest of input. Used only when no salt
// is configured.
func SHA256(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Keyed returns hex(HMAC-SHA256(salt, input)). The result is stable for a
// salt, so it can serve as a store key.
func Keyed(salt []byte, input string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveKey expands secret into a length-byte subkey with HKDF-SHA256.
// Each info label yields an independent key.
func DeriveKey(secret []byte, info string, length int) ([]byte, error) {
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}
