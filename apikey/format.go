package apikey

import (
	"encoding/base64"
	"strings"
)

// formatKey creates the full API key string.
// Format: prefix.base64urlsafe(randomBytes)
// Uses '.' as separator since '_' is a valid base64url character.
func formatKey(prefix string, randomBytes []byte) string {
	encoded := encodeKey(randomBytes)
	if prefix == "" {
		return encoded
	}
	return prefix + "." + encoded
}

// encodeKey encodes random bytes to a URL-safe base64 string.
func encodeKey(randomBytes []byte) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes)
}

// wellFormed reports whether rawKey has the shape of a key issued with
// prefix. It never touches the store.
func wellFormed(prefix, rawKey string) bool {
	encoded := rawKey
	if prefix != "" {
		var ok bool
		encoded, ok = strings.CutPrefix(rawKey, prefix+".")
		if !ok {
			return false
		}
	}
	if encoded == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(encoded)
	return err == nil
}

// getHint returns the last n characters of a string.
func getHint(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
