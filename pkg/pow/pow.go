// Package pow implements the proof-of-work gate placed in front of handle
// derivation. A solution is the smallest nonce whose digest
// SHA256(prefix || cohort || epochBE8 || nonceBE8) starts with at least
// difficulty zero bits.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/bits"
)

const (
	// DefaultDifficulty is the number of leading zero bits a solution needs.
	DefaultDifficulty = 18

	// DefaultMaxAttempts caps the nonce search.
	DefaultMaxAttempts int64 = 10_000_000
)

// ErrExhausted is returned when no nonce below the attempt ceiling works.
var ErrExhausted = errors.New("pow: no solution within attempt ceiling")

// Digest computes the proof-of-work hash for one nonce.
func Digest(prefix []byte, cohortID string, epochBucket, nonce int64) [sha256.Size]byte {
	buf := make([]byte, 0, len(prefix)+len(cohortID)+16)
	buf = append(buf, prefix...)
	buf = append(buf, cohortID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(epochBucket))
	buf = binary.BigEndian.AppendUint64(buf, uint64(nonce))
	return sha256.Sum256(buf)
}

// LeadingZeroBits counts zero bits from the most significant end of hash,
// read as a big-endian byte string.
func LeadingZeroBits(hash []byte) int {
	zeros := 0
	for _, b := range hash {
		if b != 0 {
			return zeros + bits.LeadingZeros8(b)
		}
		zeros += 8
	}
	return zeros
}

// HasLeadingZeroBits reports whether hash starts with at least required zero
// bits.
func HasLeadingZeroBits(hash []byte, required int) bool {
	if required <= 0 {
		return true
	}
	zeros := 0
	for _, b := range hash {
		if b != 0 {
			return zeros+bits.LeadingZeros8(b) >= required
		}
		zeros += 8
		if zeros >= required {
			return true
		}
	}
	return false
}

// Solve searches nonces 0, 1, 2, ... and returns the first that meets
// difficulty. The search stops early when ctx is done.
func Solve(ctx context.Context, prefix []byte, cohortID string, epochBucket int64, difficulty int, maxAttempts int64) (int64, error) {
	// Everything but the trailing nonce is fixed for the whole search.
	buf := make([]byte, 0, len(prefix)+len(cohortID)+16)
	buf = append(buf, prefix...)
	buf = append(buf, cohortID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(epochBucket))
	nonceOff := len(buf)
	buf = append(buf, make([]byte, 8)...)

	done := ctx.Done()
	for nonce := int64(0); nonce < maxAttempts; nonce++ {
		if done != nil {
			select {
			case <-done:
				return 0, ctx.Err()
			default:
			}
		}

		binary.BigEndian.PutUint64(buf[nonceOff:], uint64(nonce))
		sum := sha256.Sum256(buf)
		if HasLeadingZeroBits(sum[:], difficulty) {
			return nonce, nil
		}
	}

	return 0, ErrExhausted
}

// Verify checks a claimed nonce against difficulty.
func Verify(prefix []byte, cohortID string, epochBucket, nonce int64, difficulty int) bool {
	sum := Digest(prefix, cohortID, epochBucket, nonce)
	return HasLeadingZeroBits(sum[:], difficulty)
}
