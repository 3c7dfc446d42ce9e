package coop

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means a derivation ran within the rate-limit window.
	// Callers may retry later; nothing is retried automatically.
	ErrRateLimited = errors.New("handle derivation rate limited")

	// ErrPowExhausted means no proof-of-work nonce was found below the
	// attempt ceiling.
	ErrPowExhausted = errors.New("proof-of-work search exhausted")

	// ErrDerivationFailed matches every DerivationError.
	ErrDerivationFailed = errors.New("handle derivation failed")
)

// DerivationError wraps an unexpected fault during derivation.
type DerivationError struct {
	CohortID string
	Err      error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("handle derivation failed for cohort %s: %v", e.CohortID, e.Err)
}

func (e *DerivationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDerivationFailed) hold for every DerivationError.
func (e *DerivationError) Is(target error) bool {
	return target == ErrDerivationFailed
}
