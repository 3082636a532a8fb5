package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/messaging"
	"github.com/cozy/connections/internal/profile"
	"github.com/cozy/connections/internal/protocol"
	"github.com/cozy/connections/internal/questionnaire"
	"github.com/cozy/connections/internal/ratelimit"
	"github.com/cozy/connections/internal/store/memory"
)

type fakeLimiter struct {
	mu      sync.Mutex
	deny    map[string]bool // rule name -> deny
	err     error
	checked []string
}

func (l *fakeLimiter) Allow(_ context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checked = append(l.checked, rule.Name+":"+identifier)
	if l.err != nil {
		return true, l.err
	}
	return !l.deny[rule.Name], nil
}

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte) []byte
	events   map[string][][]byte
	failFor  string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]func([]byte) []byte),
		events:   make(map[string][][]byte),
	}
}

func (b *fakeBus) Handle(subject string, h func([]byte) []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = h
	return nil
}

func (b *fakeBus) PublishMatchEvent(userID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if userID == b.failFor {
		return errors.New("publish failed")
	}
	b.events[userID] = append(b.events[userID], data)
	return nil
}

type harness struct {
	store   *memory.Store
	matches *memory.Matches
	limiter *fakeLimiter
	bus     *fakeBus
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.NewStore(),
		matches: memory.NewMatches(),
		limiter: &fakeLimiter{deny: map[string]bool{}},
		bus:     newFakeBus(),
	}
	manager := matching.NewManager(matching.Deps{
		Answers:    h.store,
		Matches:    h.matches,
		Profiles:   h.store,
		Candidates: h.store,
		Notifier:   NewPublisher(h.bus, nil),
	}, matching.DefaultPolicy(), nil)
	questions := questionnaire.NewService(h.store, nil, nil)
	h.svc = NewService(manager, questions, Options{Limiter: h.limiter})
	require.NoError(t, h.svc.Register(h.bus))
	return h
}

// call sends req to subject through the registered handler and decodes the
// reply into out.
func (h *harness) call(t *testing.T, subject string, req any, out any) error {
	t.Helper()
	handler, ok := h.bus.handlers[subject]
	require.True(t, ok, "no handler for %s", subject)

	var payload []byte
	switch v := req.(type) {
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return protocol.DecodeResponse(handler(payload), out)
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	return perr.Code
}

func (h *harness) user(id string, texts map[int64]string) {
	h.store.PutProfile(profile.Profile{UserID: id, Name: "name-" + id})
	h.store.SetAnswers(id, texts)
}

func TestRegister_AllSubjects(t *testing.T) {
	h := newHarness(t)
	for _, subject := range []string{
		messaging.SubjectMatchFind,
		messaging.SubjectMatchSuggest,
		messaging.SubjectMatchList,
		messaging.SubjectMatchRespond,
		messaging.SubjectMatchRefresh,
		messaging.SubjectQuestions,
		messaging.SubjectSubmitAnswers,
	} {
		assert.Contains(t, h.bus.handlers, subject)
		assert.NotNil(t, h.svc.Handler(subject))
	}
	assert.Nil(t, h.svc.Handler("match.unknown"))
}

func TestQuestionsAndSubmit(t *testing.T) {
	h := newHarness(t)
	h.store.PutProfile(profile.Profile{UserID: "u1"})

	var qs []questionnaire.Question
	require.NoError(t, h.call(t, messaging.SubjectQuestions, "", &qs))
	assert.Len(t, qs, 10)

	var res protocol.SubmitAnswersResult
	require.NoError(t, h.call(t, messaging.SubjectSubmitAnswers, protocol.SubmitAnswersRequest{
		UserID:  "u1",
		Answers: []questionnaire.Answer{{QuestionID: 1, Text: "hiking"}, {QuestionID: 2, Text: "reading"}},
	}, &res))
	assert.Equal(t, 2, res.Saved)

	err := h.call(t, messaging.SubjectSubmitAnswers, protocol.SubmitAnswersRequest{
		UserID:  "u1",
		Answers: []questionnaire.Answer{{QuestionID: 42, Text: "?"}},
	}, nil)
	assert.Equal(t, protocol.CodeBadRequest, codeOf(t, err))
}

func TestFindRespondAndEvents(t *testing.T) {
	h := newHarness(t)
	h.user("u1", map[int64]string{1: "I love hiking and travel"})
	h.user("u2", map[int64]string{1: "I love hiking and travel"})

	var m matching.Match
	require.NoError(t, h.call(t, messaging.SubjectMatchFind,
		protocol.FindMatchRequest{UserID: "u2", CandidateID: "u1"}, &m))
	assert.Equal(t, "u1", m.UserA)
	assert.Equal(t, 1.0, m.Score)
	assert.Equal(t, matching.StatusPending, m.Status)

	var responded matching.Match
	require.NoError(t, h.call(t, messaging.SubjectMatchRespond,
		protocol.RespondRequest{MatchID: m.ID, CallerID: "u2", Decision: "accepted"}, &responded))
	assert.Equal(t, matching.StatusAccepted, responded.Status)
	assert.Contains(t, h.limiter.checked, "respond:u2")

	err := h.call(t, messaging.SubjectMatchRespond,
		protocol.RespondRequest{MatchID: m.ID, CallerID: "u2", Decision: "rejected"}, nil)
	assert.Equal(t, protocol.CodeInvalidTransition, codeOf(t, err))

	// created + accepted, delivered to both participants.
	for _, uid := range []string{"u1", "u2"} {
		require.Len(t, h.bus.events[uid], 2, uid)
		var ev protocol.MatchEvent
		require.NoError(t, json.Unmarshal(h.bus.events[uid][1], &ev))
		assert.Equal(t, protocol.EventAccepted, ev.Type)
		assert.Equal(t, "u2", ev.ActorID)
	}
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t)
	h.user("u1", map[int64]string{1: "hiking"})
	h.user("u2", map[int64]string{1: "hiking"})
	h.user("silent", nil)
	h.user("stranger", map[int64]string{1: "hiking"})

	var m matching.Match
	require.NoError(t, h.call(t, messaging.SubjectMatchFind,
		protocol.FindMatchRequest{UserID: "u1", CandidateID: "u2"}, &m))

	tests := []struct {
		name    string
		subject string
		req     any
		want    string
	}{
		{"malformed json", messaging.SubjectMatchFind, `{"user_id":`, protocol.CodeBadRequest},
		{"unknown field", messaging.SubjectMatchFind, `{"user_id":"u1","candidate_id":"u2","x":1}`, protocol.CodeBadRequest},
		{"missing candidate", messaging.SubjectMatchFind, protocol.FindMatchRequest{UserID: "u1"}, protocol.CodeBadRequest},
		{"unknown user", messaging.SubjectMatchFind, protocol.FindMatchRequest{UserID: "u1", CandidateID: "ghost"}, protocol.CodeNotFound},
		{"no answers", messaging.SubjectMatchFind, protocol.FindMatchRequest{UserID: "u1", CandidateID: "silent"}, protocol.CodeNotEligible},
		{"bad decision", messaging.SubjectMatchRespond, protocol.RespondRequest{MatchID: m.ID, CallerID: "u1", Decision: "maybe"}, protocol.CodeBadRequest},
		{"not participant", messaging.SubjectMatchRespond, protocol.RespondRequest{MatchID: m.ID, CallerID: "stranger", Decision: "accepted"}, protocol.CodeForbidden},
		{"unknown match", messaging.SubjectMatchRefresh, protocol.RefreshRequest{MatchID: "nope"}, protocol.CodeNotFound},
		{"unknown view", messaging.SubjectMatchList, protocol.ListMatchesRequest{UserID: "u1", View: "trending"}, protocol.CodeBadRequest},
		{"unknown status", messaging.SubjectMatchList, protocol.ListMatchesRequest{UserID: "u1", Statuses: []matching.Status{"maybe"}}, protocol.CodeBadRequest},
		{"min score out of range", messaging.SubjectMatchList, protocol.ListMatchesRequest{UserID: "u1", MinScore: 2}, protocol.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.call(t, tt.subject, tt.req, nil)
			assert.Equal(t, tt.want, codeOf(t, err))
		})
	}
}

func TestUpstreamFailureHidesCause(t *testing.T) {
	h := newHarness(t)
	h.user("u1", map[int64]string{1: "hiking"})
	h.matches.FailWith(errors.New("dial tcp 10.0.0.7:5432: connection refused"))

	err := h.call(t, messaging.SubjectMatchList, protocol.ListMatchesRequest{UserID: "u1"}, nil)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeUpstreamUnavailable, perr.Code)
	assert.NotContains(t, perr.Message, "10.0.0.7")
}

func TestSuggest_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.user("u1", map[int64]string{1: "hiking"})
	h.user("u2", map[int64]string{1: "hiking"})

	var views []matching.MatchView
	require.NoError(t, h.call(t, messaging.SubjectMatchSuggest, protocol.SuggestRequest{UserID: "u1"}, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "u2", views[0].Counterpart.UserID)

	h.limiter.deny["suggest"] = true
	err := h.call(t, messaging.SubjectMatchSuggest, protocol.SuggestRequest{UserID: "u1"}, nil)
	assert.Equal(t, protocol.CodeRateLimited, codeOf(t, err))
}

func TestSuggest_LimiterFailureFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.user("u1", map[int64]string{1: "hiking"})
	h.limiter.err = errors.New("redis down")

	var views []matching.MatchView
	require.NoError(t, h.call(t, messaging.SubjectMatchSuggest, protocol.SuggestRequest{UserID: "u1"}, &views))
	assert.Empty(t, views)
}

func TestList_ViewsAndFilters(t *testing.T) {
	h := newHarness(t)
	h.user("me", map[int64]string{1: "I love hiking and travel", 2: "morning person"})
	h.user("twin", map[int64]string{1: "I love hiking and travel", 2: "morning person"})
	h.user("half", map[int64]string{1: "I love hiking and travel", 2: "night owl"})

	for _, other := range []string{"twin", "half"} {
		require.NoError(t, h.call(t, messaging.SubjectMatchFind,
			protocol.FindMatchRequest{UserID: "me", CandidateID: other}, nil))
	}

	var views []matching.MatchView
	require.NoError(t, h.call(t, messaging.SubjectMatchList,
		protocol.ListMatchesRequest{UserID: "me", View: matching.ViewRecommended}, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "twin", views[0].Counterpart.UserID)

	require.NoError(t, h.call(t, messaging.SubjectMatchList,
		protocol.ListMatchesRequest{UserID: "me", MinScore: 0.4}, &views))
	assert.Len(t, views, 2)

	require.NoError(t, h.call(t, messaging.SubjectMatchList,
		protocol.ListMatchesRequest{UserID: "me", View: matching.ViewFavorites}, &views))
	assert.Empty(t, views)
}

func TestPublisher_PartialFailure(t *testing.T) {
	bus := newFakeBus()
	bus.failFor = "b"
	p := NewPublisher(bus, nil)

	err := p.MatchCreated(context.Background(), matching.Match{ID: "m1", UserA: "a", UserB: "b"})
	require.Error(t, err)
	assert.Len(t, bus.events["a"], 1, "the other participant is still notified")

	err = p.MatchResponded(context.Background(), matching.Match{ID: "m1", UserA: "a", UserB: "c", Status: matching.StatusPending}, "a")
	require.Error(t, err)
}
