package matching

import (
	"errors"
	"fmt"

	"github.com/cozy/connections/internal/metrics"
)

// Error taxonomy. Callers distinguish kinds with errors.Is.
var (
	// ErrNotFound is returned for an unknown user or match.
	ErrNotFound = errors.New("matching: not found")

	// ErrNotEligible is returned when a user cannot be matched, typically
	// because no answers are on record.
	ErrNotEligible = errors.New("matching: not eligible")

	// ErrForbidden is returned when a non-participant tries to mutate a match.
	ErrForbidden = errors.New("matching: forbidden")

	// ErrInvalidTransition is returned when a match is not pending, including
	// for the loser of two concurrent responses.
	ErrInvalidTransition = errors.New("matching: invalid transition")

	// ErrUpstreamUnavailable wraps every failed or timed-out store call. The
	// original cause stays reachable through errors.Is/As.
	ErrUpstreamUnavailable = errors.New("matching: upstream unavailable")

	// ErrInvalidDecision is returned for a decision other than accepted or
	// rejected.
	ErrInvalidDecision = errors.New("matching: invalid decision")

	// ErrDuplicate is returned by Repository.Insert when a row already exists
	// for the canonical pair.
	ErrDuplicate = errors.New("matching: duplicate pair")
)

// upstream marks a store failure as ErrUpstreamUnavailable while keeping err
// in the chain.
func upstream(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("matching: %s: %w: %w", op, ErrUpstreamUnavailable, err)
}
