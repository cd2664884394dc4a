package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HMACHex returns the lowercase hex HMAC of message under key.
func HMACHex(h func() hash.Hash, key, message []byte) string {
	mac := hmac.New(h, key)
	_, _ = mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex digests in constant time, ignoring surrounding
// whitespace. Comparison is case-sensitive.
func EqualHex(expected, received string) bool {
	a := strings.TrimSpace(expected)
	b := strings.TrimSpace(received)
	if a == "" || b == "" {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}
