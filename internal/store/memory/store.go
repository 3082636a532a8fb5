// Package memory provides goroutine-safe in-memory implementations of the
// questionnaire, profile and match stores. They back the test suites and the
// `memory` backend of the matcher service; nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/cozy/connections/internal/profile"
	"github.com/cozy/connections/internal/questionnaire"
)

// Store keeps questions, answers and profiles in memory.
type Store struct {
	mu        sync.RWMutex
	questions []questionnaire.Question
	answers   map[string]map[int64]string // userID -> questionID -> text
	profiles  map[string]profile.Profile
	failErr   error
}

// NewStore creates a store seeded with questionnaire.DefaultQuestions.
func NewStore() *Store {
	return &Store{
		questions: questionnaire.DefaultQuestions(),
		answers:   make(map[string]map[int64]string),
		profiles:  make(map[string]profile.Profile),
	}
}

// FailWith makes every subsequent call return err, simulating an upstream
// outage. Pass nil to recover.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p profile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// DeleteProfile removes a profile.
func (s *Store) DeleteProfile(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
}

// SetAnswers replaces all answers of userID. Keys are question ids.
func (s *Store) SetAnswers(userID string, texts map[int64]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(texts) == 0 {
		delete(s.answers, userID)
		return
	}
	m := make(map[int64]string, len(texts))
	for qid, text := range texts {
		m[qid] = text
	}
	s.answers[userID] = m
}

// ListQuestions returns the question catalogue.
func (s *Store) ListQuestions(ctx context.Context) ([]questionnaire.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(s.questions), nil
}

// GetAnswers returns the answers of userID ordered by question id.
func (s *Store) GetAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	byQuestion := s.answers[userID]
	out := make([]questionnaire.Answer, 0, len(byQuestion))
	for qid, text := range byQuestion {
		out = append(out, questionnaire.Answer{UserID: userID, QuestionID: qid, Text: text})
	}
	slices.SortFunc(out, func(a, b questionnaire.Answer) int {
		return cmp.Compare(a.QuestionID, b.QuestionID)
	})
	return out, nil
}

// UpsertAnswers inserts or replaces every answer.
func (s *Store) UpsertAnswers(ctx context.Context, answers []questionnaire.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	for _, a := range answers {
		m, ok := s.answers[a.UserID]
		if !ok {
			m = make(map[int64]string)
			s.answers[a.UserID] = m
		}
		m[a.QuestionID] = a.Text
	}
	return nil
}

// GetPublicProfile returns the profile of userID, or nil if unknown.
func (s *Store) GetPublicProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListCandidates returns every user with at least one answer except
// excludeUserID, sorted by id.
func (s *Store) ListCandidates(ctx context.Context, excludeUserID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(s.answers))
	for userID, byQuestion := range s.answers {
		if userID != excludeUserID && len(byQuestion) > 0 {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// check must be called with s.mu held.
func (s *Store) check(ctx context.Context) error {
	if s.failErr != nil {
		return s.failErr
	}
	return ctx.Err()
}
