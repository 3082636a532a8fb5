package matching

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cozy/connections/internal/metrics"
	"github.com/cozy/connections/internal/questionnaire"
	"github.com/cozy/connections/internal/scoring"
)

// Deps are the collaborators of a Manager. Candidates and Notifier are
// optional; Suggest fails without Candidates.
type Deps struct {
	Answers    AnswerStore
	Matches    Repository
	Profiles   ProfileLookup
	Candidates CandidateSource
	Notifier   Notifier
}

// Manager creates matches, keeps their scores current and applies
// accept/reject transitions. It holds no per-match state; concurrency
// guarantees come from the Repository.
type Manager struct {
	answers    AnswerStore
	matches    Repository
	profiles   ProfileLookup
	candidates CandidateSource
	notifier   Notifier
	policy     Policy
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager. It panics if a required dependency is
// missing.
func NewManager(deps Deps, policy Policy, logger *zap.Logger) *Manager {
	if deps.Answers == nil || deps.Matches == nil || deps.Profiles == nil {
		panic("matching: NewManager requires Answers, Matches and Profiles")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		answers:    deps.Answers,
		matches:    deps.Matches,
		profiles:   deps.Profiles,
		candidates: deps.Candidates,
		notifier:   deps.Notifier,
		policy:     policy,
		logger:     logger.Named("matcher"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Policy returns the thresholds the manager applies.
func (m *Manager) Policy() Policy {
	return m.policy
}

// FindOrCreate returns the match of userA and userB, creating it with a
// fresh score and pending status if none exists. The argument order does not
// matter. It fails with ErrNotFound for an unknown user and ErrNotEligible
// when either user has no answers or both ids are the same.
func (m *Manager) FindOrCreate(ctx context.Context, userA, userB string) (*Match, error) {
	match, _, err := m.findOrCreate(ctx, userA, userB)
	return match, err
}

func (m *Manager) findOrCreate(ctx context.Context, userA, userB string) (*Match, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, fmt.Errorf("%w: empty user id", ErrNotFound)
	}
	if userA == userB {
		return nil, false, fmt.Errorf("%w: cannot match user %s with themselves", ErrNotEligible, userA)
	}
	a, b := CanonicalPair(userA, userB)

	existing, err := m.matches.FindByPair(ctx, a, b)
	if err != nil {
		return nil, false, upstream("find by pair", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	answersA, err := m.eligibleAnswers(ctx, a)
	if err != nil {
		return nil, false, err
	}
	answersB, err := m.eligibleAnswers(ctx, b)
	if err != nil {
		return nil, false, err
	}

	now := m.timestamp()
	match := &Match{
		ID:        m.newID(),
		UserA:     a,
		UserB:     b,
		Score:     scoring.Compatibility(answersA, answersB),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.matches.Insert(ctx, match)
	if errors.Is(err, ErrDuplicate) {
		// Lost the insert race; the stored row wins.
		winner, err := m.matches.FindByPair(ctx, a, b)
		if err != nil {
			return nil, false, upstream("find by pair", err)
		}
		if winner == nil {
			return nil, false, upstream("find by pair", fmt.Errorf("duplicate reported for %s/%s but no row found", a, b))
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, upstream("insert match", err)
	}

	metrics.MatchesCreated.Inc()
	metrics.MatchScore.Observe(match.Score)
	m.logger.Info("match created",
		zap.String("match_id", match.ID),
		zap.String("user_a", a),
		zap.String("user_b", b),
		zap.Float64("score", match.Score))

	if m.notifier != nil {
		if err := m.notifier.MatchCreated(ctx, *match); err != nil {
			m.logger.Warn("notify match created", zap.String("match_id", match.ID), zap.Error(err))
		}
	}
	return match, true, nil
}

// eligibleAnswers checks that userID exists and has at least one answer.
func (m *Manager) eligibleAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error) {
	p, err := m.profiles.GetPublicProfile(ctx, userID)
	if err != nil {
		return nil, upstream("get profile", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}

	answers, err := m.answers.GetAnswers(ctx, userID)
	if err != nil {
		return nil, upstream("get answers", err)
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: user %s has no answers on record", ErrNotEligible, userID)
	}
	return answers, nil
}

// RefreshScore recomputes the score of a match from the participants'
// current answers. The stored score is rewritten only when it moved by more
// than the policy's RefreshTolerance.
func (m *Manager) RefreshScore(ctx context.Context, matchID string) (*Match, error) {
	match, err := m.get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if _, err := m.refresh(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// refresh returns the freshly computed score, which differs from
// match.Score when the change stayed within the tolerance.
func (m *Manager) refresh(ctx context.Context, match *Match) (float64, error) {
	answersA, err := m.answers.GetAnswers(ctx, match.UserA)
	if err != nil {
		return 0, upstream("get answers", err)
	}
	answersB, err := m.answers.GetAnswers(ctx, match.UserB)
	if err != nil {
		return 0, upstream("get answers", err)
	}

	score := scoring.Compatibility(answersA, answersB)
	if math.Abs(match.Score-score) <= m.policy.RefreshTolerance {
		metrics.ScoreRefreshes.WithLabelValues("false").Inc()
		return score, nil
	}

	if err := m.matches.UpdateScore(ctx, match.ID, score); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("matching: update score: match %s: %w", match.ID, ErrNotFound)
		}
		return 0, upstream("update score", err)
	}

	metrics.ScoreRefreshes.WithLabelValues("true").Inc()
	metrics.MatchScore.Observe(score)
	m.logger.Debug("score refreshed",
		zap.String("match_id", match.ID),
		zap.Float64("old", match.Score),
		zap.Float64("new", score))

	match.Score = score
	match.UpdatedAt = m.timestamp()
	return score, nil
}

// List returns every match involving userID that passes filter, annotated
// with the counterpart's public profile and ordered by score (highest
// first).
func (m *Manager) List(ctx context.Context, userID string, filter Filter) ([]MatchView, error) {
	p, err := m.profiles.GetPublicProfile(ctx, userID)
	if err != nil {
		return nil, upstream("get profile", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}

	rows, err := m.matches.ListByUser(ctx, userID)
	if err != nil {
		return nil, upstream("list matches", err)
	}

	selected := make([]Match, 0, len(rows))
	for _, row := range rows {
		if filter.Matches(row) {
			selected = append(selected, row)
		}
	}
	return m.annotate(ctx, userID, selected)
}

// ListView is List with one of the predefined views.
func (m *Manager) ListView(ctx context.Context, userID string, view View) ([]MatchView, error) {
	filter, err := m.policy.FilterFor(view)
	if err != nil {
		return nil, err
	}
	return m.List(ctx, userID, filter)
}

func (m *Manager) annotate(ctx context.Context, userID string, rows []Match) ([]MatchView, error) {
	now := m.now()
	views := make([]MatchView, 0, len(rows))
	for _, row := range rows {
		otherID := row.Counterpart(userID)
		other, err := m.profiles.GetPublicProfile(ctx, otherID)
		if err != nil {
			return nil, upstream("get profile", err)
		}
		if other == nil {
			m.logger.Warn("counterpart profile missing, skipping match",
				zap.String("match_id", row.ID), zap.String("user_id", otherID))
			continue
		}

		view := MatchView{Match: row, Counterpart: *other}
		if age, ok := other.Age(now); ok {
			view.Age = age
		}
		views = append(views, view)
	}

	sortViews(views)
	return views, nil
}

func sortViews(views []MatchView) {
	slices.SortStableFunc(views, func(x, y MatchView) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
}

// Respond records callerID's decision on a pending match. It fails with
// ErrForbidden when callerID is not a participant and ErrInvalidTransition
// when the match is no longer pending, including when a concurrent response
// got there first. Responding again to a decided match is always an error.
func (m *Manager) Respond(ctx context.Context, matchID, callerID string, decision Decision) (*Match, error) {
	if _, err := ParseDecision(string(decision)); err != nil {
		return nil, err
	}

	match, err := m.get(ctx, matchID)
	if err != nil {
		m.countResponse(decision, err)
		return nil, err
	}
	if !match.IsParticipant(callerID) {
		err := fmt.Errorf("%w: user %s is not a participant of match %s", ErrForbidden, callerID, matchID)
		m.countResponse(decision, err)
		return nil, err
	}
	if match.Status != StatusPending {
		err := fmt.Errorf("%w: match %s is already %s", ErrInvalidTransition, matchID, match.Status)
		m.countResponse(decision, err)
		return nil, err
	}

	next := decision.Status()
	ok, err := m.matches.UpdateStatus(ctx, matchID, StatusPending, next)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("matching: update status: match %s: %w", matchID, ErrNotFound)
		} else {
			err = upstream("update status", err)
		}
		m.countResponse(decision, err)
		return nil, err
	}
	if !ok {
		err := fmt.Errorf("%w: match %s changed concurrently", ErrInvalidTransition, matchID)
		m.countResponse(decision, err)
		return nil, err
	}

	match.Status = next
	match.UpdatedAt = m.timestamp()
	m.countResponse(decision, nil)
	m.logger.Info("match responded",
		zap.String("match_id", matchID),
		zap.String("caller_id", callerID),
		zap.String("status", string(next)))

	if m.notifier != nil {
		if err := m.notifier.MatchResponded(ctx, *match, callerID); err != nil {
			m.logger.Warn("notify match responded", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	return match, nil
}

func (m *Manager) countResponse(decision Decision, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	metrics.MatchResponses.WithLabelValues(string(decision), outcome).Inc()
}

func (m *Manager) get(ctx context.Context, matchID string) (*Match, error) {
	if matchID == "" {
		return nil, fmt.Errorf("%w: empty match id", ErrNotFound)
	}
	match, err := m.matches.Get(ctx, matchID)
	if err != nil {
		return nil, upstream("get match", err)
	}
	if match == nil {
		return nil, fmt.Errorf("%w: match %s", ErrNotFound, matchID)
	}
	return match, nil
}

// timestamp is truncated to microseconds, the precision postgres keeps.
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}
