// Package matching implements the match lifecycle: creating one match record
// per unordered user pair, keeping its compatibility score current, and
// moving it through the pending -> accepted/rejected state machine.
//
// The package owns no storage. Answers, profiles and match rows are reached
// through the interfaces in store.go so the same logic runs against
// postgres, redis, dynamodb or the in-memory stores.
package matching

import (
	"fmt"
	"time"

	"github.com/cozy/connections/internal/profile"
)

// Status is the lifecycle state of a match.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is defined from s.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Decision is a participant's response to a pending match.
type Decision string

const (
	DecisionAccept Decision = Decision(StatusAccepted)
	DecisionReject Decision = Decision(StatusRejected)
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionAccept, DecisionReject:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Status returns the terminal status the decision moves a match into.
func (d Decision) Status() Status {
	return Status(d)
}

// Match is the persisted compatibility record of two users. UserA and UserB
// are stored in canonical order (UserA < UserB).
type Match struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	Score     float64   `json:"score"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsParticipant checks if userID is one of the two users of the match.
func (m *Match) IsParticipant(userID string) bool {
	return userID == m.UserA || userID == m.UserB
}

// Counterpart returns the other participant, or "" if userID is not a
// participant.
func (m *Match) Counterpart(userID string) string {
	if userID == m.UserA {
		return m.UserB
	}
	if userID == m.UserB {
		return m.UserA
	}
	return ""
}

// CanonicalPair orders two user ids so that a pair and its reverse map to
// the same stored row.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// MatchView is a match annotated for presentation to one of its
// participants.
type MatchView struct {
	Match
	Counterpart profile.Profile `json:"counterpart"`
	// Age of the counterpart, 0 when unknown.
	Age int `json:"age,omitempty"`
}
