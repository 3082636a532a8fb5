package questionnaire

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrUnknownQuestion is returned when an answer references a question id
	// that is not in the catalogue.
	ErrUnknownQuestion = errors.New("questionnaire: unknown question")

	// ErrInvalidAnswer is returned when an answer fails ValidateAnswer.
	ErrInvalidAnswer = errors.New("questionnaire: invalid answer")

	// ErrStoreUnavailable wraps every failed store call.
	ErrStoreUnavailable = errors.New("questionnaire: store unavailable")
)

// Store persists questions and answers.
type Store interface {
	ListQuestions(ctx context.Context) ([]Question, error)
	GetAnswers(ctx context.Context, userID string) ([]Answer, error)
	// UpsertAnswers inserts or replaces every answer in one unit of work.
	UpsertAnswers(ctx context.Context, answers []Answer) error
}

// Invalidator is notified after a user's answers changed. Caches of the
// answer set implement it.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Service validates and records questionnaire submissions.
type Service struct {
	store       Store
	invalidator Invalidator
	logger      *zap.Logger
}

// NewService creates a questionnaire service. invalidator may be nil.
func NewService(store Store, invalidator Invalidator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		invalidator: invalidator,
		logger:      logger.Named("questionnaire"),
	}
}

// Questions returns the question catalogue.
func (s *Service) Questions(ctx context.Context) ([]Question, error) {
	questions, err := s.store.ListQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("questionnaire: list questions: %w: %w", ErrStoreUnavailable, err)
	}
	return questions, nil
}

// Answers returns the answers a user has on record.
func (s *Service) Answers(ctx context.Context, userID string) ([]Answer, error) {
	answers, err := s.store.GetAnswers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("questionnaire: get answers: %w: %w", ErrStoreUnavailable, err)
	}
	return answers, nil
}

// Submit validates and stores a batch of answers for userID. Either every
// answer is stored or none is. The UserID field of each answer is
// overwritten with userID.
func (s *Service) Submit(ctx context.Context, userID string, answers []Answer) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidAnswer)
	}
	if len(answers) == 0 {
		return nil
	}

	questions, err := s.store.ListQuestions(ctx)
	if err != nil {
		return fmt.Errorf("questionnaire: list questions: %w: %w", ErrStoreUnavailable, err)
	}
	known := make(map[int64]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}

	batch := make([]Answer, 0, len(answers))
	for _, a := range answers {
		if !known[a.QuestionID] {
			return fmt.Errorf("%w: %d", ErrUnknownQuestion, a.QuestionID)
		}
		if err := ValidateAnswer(a.Text); err != nil {
			return fmt.Errorf("%w: question %d: %v", ErrInvalidAnswer, a.QuestionID, err)
		}
		a.UserID = userID
		batch = append(batch, a)
	}

	if err := s.store.UpsertAnswers(ctx, batch); err != nil {
		return fmt.Errorf("questionnaire: upsert answers: %w: %w", ErrStoreUnavailable, err)
	}

	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("answer cache invalidation failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.logger.Debug("answers submitted",
		zap.String("user_id", userID), zap.Int("count", len(batch)))
	return nil
}
