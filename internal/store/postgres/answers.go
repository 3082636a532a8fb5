package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cozy/connections/internal/profile"
	"github.com/cozy/connections/internal/questionnaire"
)

// Store reads and writes questions, answers and profiles.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListQuestions returns the question catalogue ordered by id.
func (s *Store) ListQuestions(ctx context.Context) ([]questionnaire.Question, error) {
	const query = `SELECT id, prompt, category FROM questions ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list questions: %w", err)
	}
	defer rows.Close()

	var out []questionnaire.Question
	for rows.Next() {
		var q questionnaire.Question
		if err := rows.Scan(&q.ID, &q.Prompt, &q.Category); err != nil {
			return nil, fmt.Errorf("postgres: scan question: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list questions: %w", err)
	}
	return out, nil
}

// GetAnswers returns the answers of userID ordered by question id.
func (s *Store) GetAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error) {
	const query = `
		SELECT question_id, text
		FROM answers
		WHERE user_id = $1
		ORDER BY question_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get answers: %w", err)
	}
	defer rows.Close()

	var out []questionnaire.Answer
	for rows.Next() {
		a := questionnaire.Answer{UserID: userID}
		if err := rows.Scan(&a.QuestionID, &a.Text); err != nil {
			return nil, fmt.Errorf("postgres: scan answer: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get answers: %w", err)
	}
	return out, nil
}

// UpsertAnswers writes every answer in one transaction, replacing existing
// answers to the same questions.
func (s *Store) UpsertAnswers(ctx context.Context, answers []questionnaire.Answer) (err error) {
	if len(answers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const query = `
		INSERT INTO answers (user_id, question_id, text, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, question_id)
		DO UPDATE SET text = EXCLUDED.text, updated_at = EXCLUDED.updated_at`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range answers {
		if _, err = stmt.ExecContext(ctx, a.UserID, a.QuestionID, a.Text); err != nil {
			return fmt.Errorf("postgres: upsert answer %s/%d: %w", a.UserID, a.QuestionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ListCandidates returns every user with at least one answer except
// excludeUserID, sorted by id.
func (s *Store) ListCandidates(ctx context.Context, excludeUserID string) ([]string, error) {
	const query = `
		SELECT DISTINCT user_id
		FROM answers
		WHERE user_id <> $1
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan candidate: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list candidates: %w", err)
	}
	return out, nil
}

// GetPublicProfile returns the profile of userID, or nil if unknown.
func (s *Store) GetPublicProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	const query = `
		SELECT name, avatar, bio, location, date_of_birth
		FROM profiles
		WHERE user_id = $1`

	p := profile.Profile{UserID: userID}
	var dob sql.NullTime
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.Name, &p.Avatar, &p.Bio, &p.Location, &dob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get profile: %w", err)
	}
	if dob.Valid {
		t := dob.Time.UTC()
		p.DateOfBirth = &t
	}
	return &p, nil
}

// UpsertProfile inserts or replaces a profile.
func (s *Store) UpsertProfile(ctx context.Context, p profile.Profile) error {
	const query = `
		INSERT INTO profiles (user_id, name, avatar, bio, location, date_of_birth)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			avatar = EXCLUDED.avatar,
			bio = EXCLUDED.bio,
			location = EXCLUDED.location,
			date_of_birth = EXCLUDED.date_of_birth`

	var dob sql.NullTime
	if p.DateOfBirth != nil {
		dob = sql.NullTime{Time: p.DateOfBirth.In(time.UTC), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, p.UserID, p.Name, p.Avatar, p.Bio, p.Location, dob); err != nil {
		return fmt.Errorf("postgres: upsert profile: %w", err)
	}
	return nil
}
