package matching

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Suggest evaluates userID against every candidate and returns the matches
// scoring strictly above the policy's SuggestThreshold, best first.
//
// Each candidate pair goes through FindOrCreate, so new pairs get a match
// row; pairs that already had one get their score refreshed. The threshold
// and the returned score use the fresh score even when the stored one was
// left unchanged for being within the refresh tolerance. Candidates that
// are not eligible or have disappeared are skipped. Any upstream failure
// aborts the whole call.
func (m *Manager) Suggest(ctx context.Context, userID string) ([]MatchView, error) {
	if m.candidates == nil {
		return nil, errors.New("matching: suggest: no candidate source configured")
	}
	if _, err := m.eligibleAnswers(ctx, userID); err != nil {
		return nil, err
	}

	candidates, err := m.candidates.ListCandidates(ctx, userID)
	if err != nil {
		return nil, upstream("list candidates", err)
	}

	var (
		selected []Match
		skipped  int
	)
	for _, candidateID := range candidates {
		if candidateID == userID {
			continue
		}

		match, created, err := m.findOrCreate(ctx, userID, candidateID)
		if errors.Is(err, ErrNotEligible) || errors.Is(err, ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("matching: suggest for %s: %w", userID, err)
		}

		score := match.Score
		if !created {
			score, err = m.refresh(ctx, match)
			if errors.Is(err, ErrNotFound) {
				skipped++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("matching: suggest for %s: %w", userID, err)
			}
		}

		if score > m.policy.SuggestThreshold {
			suggested := *match
			suggested.Score = score
			selected = append(selected, suggested)
		}
	}

	m.logger.Debug("suggestions computed",
		zap.String("user_id", userID),
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", skipped),
		zap.Int("selected", len(selected)))

	return m.annotate(ctx, userID, selected)
}
