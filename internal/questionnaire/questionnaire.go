// Package questionnaire holds the compatibility questionnaire: the static
// question catalogue, per-user free-text answers, and the service used to
// submit them. Answers are the only input to match scoring.
package questionnaire

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxAnswerBytes = 8192 // 8KB max stored answer
	MaxAnswerChars = 2000 // max character count
)

// Question is a single questionnaire prompt. Questions are seeded once and
// are immutable in normal operation.
type Question struct {
	ID       int64  `json:"id"`
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
}

// Answer is one user's free-text response to one question. There is at most
// one Answer per (UserID, QuestionID).
type Answer struct {
	UserID     string `json:"user_id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
}

// DefaultQuestions returns the seeded question catalogue. The postgres
// migrations insert the same rows with the same ids.
func DefaultQuestions() []Question {
	return []Question{
		{ID: 1, Prompt: "What are your top three hobbies?", Category: "interests"},
		{ID: 2, Prompt: "How do you prefer to spend your weekends?", Category: "lifestyle"},
		{ID: 3, Prompt: "What is your ideal vacation destination?", Category: "travel"},
		{ID: 4, Prompt: "Describe your perfect date.", Category: "relationships"},
		{ID: 5, Prompt: "What values are most important to you in a relationship?", Category: "values"},
		{ID: 6, Prompt: "Do you prefer outdoor or indoor activities?", Category: "lifestyle"},
		{ID: 7, Prompt: "Are you a morning person or a night owl?", Category: "personality"},
		{ID: 8, Prompt: "What type of books/movies/TV shows do you enjoy?", Category: "entertainment"},
		{ID: 9, Prompt: "Do you have any pets or would you like to have pets?", Category: "lifestyle"},
		{ID: 10, Prompt: "What are your career goals?", Category: "goals"},
	}
}

// ValidateAnswer checks that an answer text meets content requirements.
func ValidateAnswer(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("answer text is empty")
	}
	if len(text) > MaxAnswerBytes {
		return fmt.Errorf("answer exceeds %d byte limit", MaxAnswerBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("answer contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxAnswerChars {
		return fmt.Errorf("answer exceeds %d character limit", MaxAnswerChars)
	}
	return nil
}
