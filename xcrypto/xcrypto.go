// Package xcrypto implements the cryptographic primitives required by spec
// §4.N: SHA-256 digests, HMAC-SHA-256, constant-time comparison, and CSPRNG
// randomness for lease tokens and nonces.
package xcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256File streams r and returns the lowercase hex-encoded SHA-256 digest
// of its full contents without buffering the whole input in memory.
func SHA256File(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("xcrypto: hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HMACSHA256Hex returns the lowercase hex-encoded HMAC-SHA-256 of message
// under key.
func HMACSHA256Hex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqualHex reports whether two hex strings are equal, in time
// that depends only on their lengths, never on the position of a differing
// byte. Strings of different length are unequal without a byte-for-byte scan
// beyond the length comparison itself (length is not secret).
func ConstantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomHex returns n random bytes from the platform CSPRNG, hex-encoded
// (2*n hex characters). Used for lease token ids and nonces.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("xcrypto: read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RandomUint32 draws a cryptographically secure 32-bit value from the
// platform CSPRNG.
func RandomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0, fmt.Errorf("xcrypto: read random uint32: %w", err)
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}
