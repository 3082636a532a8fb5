package matching

import (
	"context"

	"github.com/cozy/connections/internal/profile"
	"github.com/cozy/connections/internal/questionnaire"
)

// AnswerStore returns the answers a user has on record. An unknown user has
// no answers.
type AnswerStore interface {
	GetAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error)
}

// Repository persists match rows keyed by canonical user pair.
//
// Lookups return (nil, nil) when nothing is stored. Insert must fail with
// ErrDuplicate when a row for the pair already exists, and UpdateStatus must
// only apply when the stored status equals expected.
type Repository interface {
	FindByPair(ctx context.Context, userA, userB string) (*Match, error)
	Get(ctx context.Context, matchID string) (*Match, error)
	Insert(ctx context.Context, m *Match) error
	UpdateScore(ctx context.Context, matchID string, score float64) error
	UpdateStatus(ctx context.Context, matchID string, expected, next Status) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]Match, error)
}

// ProfileLookup returns public profiles. Returns (nil, nil) for an unknown
// user.
type ProfileLookup interface {
	GetPublicProfile(ctx context.Context, userID string) (*profile.Profile, error)
}

// CandidateSource lists users that could be suggested as matches: every user
// with at least one answer, except excludeUserID.
type CandidateSource interface {
	ListCandidates(ctx context.Context, excludeUserID string) ([]string, error)
}

// Notifier is told about lifecycle events. Failures are logged by the
// Manager and never fail the operation that triggered them.
type Notifier interface {
	MatchCreated(ctx context.Context, m Match) error
	MatchResponded(ctx context.Context, m Match, responderID string) error
}
