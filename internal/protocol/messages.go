// Package protocol defines the JSON payloads exchanged with the matcher over
// NATS request/reply. Every reply uses the same envelope: an ok flag, the
// operation's data on success, and a coded error otherwise.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/questionnaire"
)

// ---------------------------------------------------------------------------
// Error codes
// ---------------------------------------------------------------------------

const (
	CodeNotFound            = "not_found"
	CodeNotEligible         = "not_eligible"
	CodeForbidden           = "forbidden"
	CodeInvalidTransition   = "invalid_transition"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeRateLimited         = "rate_limited"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// ---------------------------------------------------------------------------
// Event types, published on match.event.<user_id>
// ---------------------------------------------------------------------------

const (
	EventCreated  = "created"
	EventAccepted = "accepted"
	EventRejected = "rejected"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// FindMatchRequest asks for the match of two users, creating it if needed.
type FindMatchRequest struct {
	UserID      string `json:"user_id"`
	CandidateID string `json:"candidate_id"`
}

// SuggestRequest asks for the suggestion list of a user.
type SuggestRequest struct {
	UserID string `json:"user_id"`
}

// ListMatchesRequest lists a user's matches. View takes precedence; without
// it Statuses and MinScore form an ad-hoc filter.
type ListMatchesRequest struct {
	UserID   string            `json:"user_id"`
	View     matching.View     `json:"view,omitempty"`
	Statuses []matching.Status `json:"statuses,omitempty"`
	MinScore float64           `json:"min_score,omitempty"`
}

// RespondRequest records a participant's decision.
type RespondRequest struct {
	MatchID  string `json:"match_id"`
	CallerID string `json:"caller_id"`
	Decision string `json:"decision"`
}

// RefreshRequest recomputes the score of a match.
type RefreshRequest struct {
	MatchID string `json:"match_id"`
}

// SubmitAnswersRequest stores a batch of answers for a user.
type SubmitAnswersRequest struct {
	UserID  string                 `json:"user_id"`
	Answers []questionnaire.Answer `json:"answers"`
}

// SubmitAnswersResult reports how many answers were saved.
type SubmitAnswersResult struct {
	Saved int `json:"saved"`
}

// ---------------------------------------------------------------------------
// Reply envelope
// ---------------------------------------------------------------------------

// Error is the error part of a failed reply.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Response is the envelope of every reply.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// MatchEvent notifies a participant about a match lifecycle change.
type MatchEvent struct {
	Type    string         `json:"type"`
	Match   matching.Match `json:"match"`
	ActorID string         `json:"actor_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// DecodeRequest strictly decodes a request payload into v. Unknown fields
// and trailing data are rejected.
func DecodeRequest(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("protocol: decode request: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("protocol: decode request: trailing data")
	}
	return nil
}

// Success encodes a successful reply carrying data.
func Success(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal data: %w", err)
	}
	out, err := json.Marshal(Response{OK: true, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal response: %w", err)
	}
	return out, nil
}

// Failure encodes a failed reply. It cannot fail.
func Failure(code, message string) []byte {
	out, _ := json.Marshal(Response{Error: &Error{Code: code, Message: message}})
	return out
}

// DecodeResponse parses a reply. A failed reply is returned as *Error;
// otherwise the data is decoded into v when v is non-nil.
func DecodeResponse(data []byte, v any) error {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("protocol: decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return &Error{Code: CodeInternal, Message: "reply carried no error"}
		}
		return resp.Error
	}
	if v == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("protocol: decode response data: %w", err)
	}
	return nil
}
