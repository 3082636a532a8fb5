package matching_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/profile"
)

func TestSuggest_FiltersAndSorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.user("me", hikerAnswers)
	f.user("twin", hikerAnswers)                                                    // 1.0
	f.user("half", map[int64]string{1: "I love hiking and travel", 2: "night owl"}) // 0.5
	f.user("disjoint", map[int64]string{5: "jazz"})                                 // neutral 0.5
	f.user("low", travelAnswer)                                                     // 0.333
	f.user("zero", map[int64]string{1: "sleeping", 2: "never"})                     // 0.0
	f.user("silent", nil)                                                           // no answers
	f.store.SetAnswers("orphan", hikerAnswers)                                      // answers, no profile

	views, err := f.manager.Suggest(ctx, "me")
	require.NoError(t, err)

	var got []string
	for _, v := range views {
		got = append(got, v.Counterpart.UserID)
		assert.Greater(t, v.Score, matching.DefaultPolicy().SuggestThreshold)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "twin", got[0])
	assert.ElementsMatch(t, []string{"half", "disjoint"}, got[1:])

	// Every eligible pair now has a row, including the ones filtered out.
	assert.Equal(t, 5, f.matches.Len())
}

func TestSuggest_RefreshesExistingMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.user("me", hikerAnswers)
	f.user("other", travelAnswer)

	m, err := f.manager.FindOrCreate(ctx, "me", "other")
	require.NoError(t, err)
	require.InDelta(t, 1.0/3.0, m.Score, 1e-9)

	views, err := f.manager.Suggest(ctx, "me")
	require.NoError(t, err)
	assert.Empty(t, views)

	f.store.SetAnswers("other", hikerAnswers)
	views, err = f.manager.Suggest(ctx, "me")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, m.ID, views[0].ID)
	assert.Equal(t, 1.0, views[0].Score)
	assert.Equal(t, 1, f.matches.Len())
}

func TestSuggest_ThresholdUsesFreshScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.user("me", map[int64]string{1: "a b c"})
	f.user("other", map[int64]string{1: "a b c d e f g h"}) // 3/8

	m, err := f.manager.FindOrCreate(ctx, "me", "other")
	require.NoError(t, err)
	require.InDelta(t, 0.375, m.Score, 1e-9)

	// 3/7 is within the refresh tolerance of 3/8 but above the threshold.
	f.store.SetAnswers("other", map[int64]string{1: "a b c d e f g"})
	views, err := f.manager.Suggest(ctx, "me")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.InDelta(t, 3.0/7.0, views[0].Score, 1e-9)

	stored, err := f.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.375, stored.Score, 1e-9, "small change is not written back")
}

func TestSuggest_IncludesDecidedMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.user("me", hikerAnswers)
	f.user("other", hikerAnswers)

	m, err := f.manager.FindOrCreate(ctx, "me", "other")
	require.NoError(t, err)
	_, err = f.manager.Respond(ctx, m.ID, "other", matching.DecisionAccept)
	require.NoError(t, err)

	views, err := f.manager.Suggest(ctx, "me")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, matching.StatusAccepted, views[0].Status)
}

func TestSuggest_RequesterWithoutAnswers(t *testing.T) {
	f := newFixture(t)
	f.user("me", nil)
	f.user("other", hikerAnswers)

	_, err := f.manager.Suggest(context.Background(), "me")
	require.ErrorIs(t, err, matching.ErrNotEligible)
	assert.Equal(t, 0, f.matches.Len())
}

func TestSuggest_UnknownRequester(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Suggest(context.Background(), "ghost")
	require.ErrorIs(t, err, matching.ErrNotFound)
}

func TestSuggest_UpstreamFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.user("me", hikerAnswers)
	f.user("other", hikerAnswers)
	f.matches.FailWith(errors.New("connection reset"))

	_, err := f.manager.Suggest(context.Background(), "me")
	require.ErrorIs(t, err, matching.ErrUpstreamUnavailable)
}

func TestSuggest_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.user("me", hikerAnswers)
	f.user("other", hikerAnswers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Suggest(ctx, "me")
	require.ErrorIs(t, err, matching.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSuggest_WithoutCandidateSource(t *testing.T) {
	f := newFixture(t)
	f.store.PutProfile(profile.Profile{UserID: "me"})
	f.store.SetAnswers("me", hikerAnswers)

	mgr := matching.NewManager(matching.Deps{
		Answers:  f.store,
		Matches:  f.matches,
		Profiles: f.store,
	}, matching.DefaultPolicy(), nil)

	_, err := mgr.Suggest(context.Background(), "me")
	require.Error(t, err)
}
