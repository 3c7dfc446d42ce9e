package coordinator

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base32"
	"time"
)

// base32Encoding is RFC 4648 base32 without padding; a trailing partial
// group is left-aligned and zero filled.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// BytesToBase32 encodes b with the upper-case RFC 4648 alphabet.
func BytesToBase32(b []byte) string {
	return base32Encoding.EncodeToString(b)
}

// HashToBase32 returns the first length characters of the base32 SHA-256 of
// input. A SHA-256 digest encodes to 52 characters, which caps length.
func HashToBase32(input []byte, length int) string {
	sum := sha256.Sum256(input)
	encoded := BytesToBase32(sum[:])
	if length > len(encoded) {
		length = len(encoded)
	}
	return encoded[:length]
}

// EpochBucket is the weekly epoch index of t.
func EpochBucket(t time.Time) int64 {
	return t.UnixMilli() / epochLength.Milliseconds()
}

// TimeBucket is the index of t at bucketMinutes granularity.
func TimeBucket(t time.Time, bucketMinutes int) int64 {
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}
	return t.UnixMilli() / (int64(bucketMinutes) * 60 * 1000)
}

// TruncateKey shortens a public key for log output.
func TruncateKey(key ed25519.PublicKey) string {
	encoded := BytesToBase32(key)
	if len(encoded) > 12 {
		return encoded[:8] + "..." + encoded[len(encoded)-4:]
	}
	return encoded
}
