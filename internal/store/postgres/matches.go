package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cozy/connections/internal/matching"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Matches is the PostgreSQL matching.Repository. The matches_pair_key
// constraint enforces one row per canonical pair.
type Matches struct {
	db *sql.DB
}

// NewMatches creates a match repository backed by db.
func NewMatches(db *sql.DB) *Matches {
	return &Matches{db: db}
}

const matchColumns = `id, user_a, user_b, score, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*matching.Match, error) {
	var m matching.Match
	var status string
	if err := row.Scan(&m.ID, &m.UserA, &m.UserB, &m.Score, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = matching.Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (r *Matches) FindByPair(ctx context.Context, userA, userB string) (*matching.Match, error) {
	a, b := matching.CanonicalPair(userA, userB)
	query := `SELECT ` + matchColumns + ` FROM matches WHERE user_a = $1 AND user_b = $2`

	m, err := scanMatch(r.db.QueryRowContext(ctx, query, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find match by pair: %w", err)
	}
	return m, nil
}

func (r *Matches) Get(ctx context.Context, matchID string) (*matching.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`

	m, err := scanMatch(r.db.QueryRowContext(ctx, query, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
		// Not a UUID, so it cannot name a stored match.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get match: %w", err)
	}
	return m, nil
}

func (r *Matches) Insert(ctx context.Context, m *matching.Match) error {
	a, b := matching.CanonicalPair(m.UserA, m.UserB)
	const query = `
		INSERT INTO matches (id, user_a, user_b, score, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query, m.ID, a, b, m.Score, string(m.Status), m.CreatedAt, m.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "matches_pair_key" {
		return matching.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("postgres: insert match: %w", err)
	}
	return nil
}

func (r *Matches) UpdateScore(ctx context.Context, matchID string, score float64) error {
	const query = `UPDATE matches SET score = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, matchID, score)
	if err != nil {
		return fmt.Errorf("postgres: update score: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update score: %w", err)
	}
	if n == 0 {
		return matching.ErrNotFound
	}
	return nil
}

// UpdateStatus applies next only while the stored status equals expected.
// A missing row is reported as matching.ErrNotFound.
func (r *Matches) UpdateStatus(ctx context.Context, matchID string, expected, next matching.Status) (bool, error) {
	const query = `
		UPDATE matches
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	res, err := r.db.ExecContext(ctx, query, matchID, string(expected), string(next))
	if err != nil {
		return false, fmt.Errorf("postgres: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: update status: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, matchID).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: update status: %w", err)
	}
	if !exists {
		return false, matching.ErrNotFound
	}
	return false, nil
}

// ListByUser returns the matches involving userID ordered by id.
func (r *Matches) ListByUser(ctx context.Context, userID string) ([]matching.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE user_a = $1 OR user_b = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches: %w", err)
	}
	defer rows.Close()

	var out []matching.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list matches: %w", err)
	}
	return out, nil
}

var _ matching.Repository = (*Matches)(nil)
