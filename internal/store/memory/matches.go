package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cozy/connections/internal/matching"
)

// Matches is an in-memory matching.Repository. A pair index enforces one row
// per canonical pair, mirroring the unique constraint of the real stores.
type Matches struct {
	mu      sync.RWMutex
	byID    map[string]matching.Match
	byPair  map[[2]string]string // canonical pair -> match id
	failErr error
}

// NewMatches creates an empty repository.
func NewMatches() *Matches {
	return &Matches{
		byID:   make(map[string]matching.Match),
		byPair: make(map[[2]string]string),
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (r *Matches) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// Len returns the number of stored matches.
func (r *Matches) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Matches) FindByPair(ctx context.Context, userA, userB string) (*matching.Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	a, b := matching.CanonicalPair(userA, userB)
	id, ok := r.byPair[[2]string{a, b}]
	if !ok {
		return nil, nil
	}
	m := r.byID[id]
	return &m, nil
}

func (r *Matches) Get(ctx context.Context, matchID string) (*matching.Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	m, ok := r.byID[matchID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *Matches) Insert(ctx context.Context, m *matching.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}

	a, b := matching.CanonicalPair(m.UserA, m.UserB)
	key := [2]string{a, b}
	if _, ok := r.byPair[key]; ok {
		return matching.ErrDuplicate
	}
	if _, ok := r.byID[m.ID]; ok {
		return fmt.Errorf("memory: match id %s already used", m.ID)
	}

	stored := *m
	stored.UserA, stored.UserB = a, b
	r.byID[m.ID] = stored
	r.byPair[key] = m.ID
	return nil
}

func (r *Matches) UpdateScore(ctx context.Context, matchID string, score float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}

	m, ok := r.byID[matchID]
	if !ok {
		return matching.ErrNotFound
	}
	m.Score = score
	m.UpdatedAt = now()
	r.byID[matchID] = m
	return nil
}

func (r *Matches) UpdateStatus(ctx context.Context, matchID string, expected, next matching.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return false, err
	}

	m, ok := r.byID[matchID]
	if !ok {
		return false, matching.ErrNotFound
	}
	if m.Status != expected {
		return false, nil
	}
	m.Status = next
	m.UpdatedAt = now()
	r.byID[matchID] = m
	return true, nil
}

// ListByUser returns the matches involving userID ordered by id.
func (r *Matches) ListByUser(ctx context.Context, userID string) ([]matching.Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	var out []matching.Match
	for _, m := range r.byID {
		if m.IsParticipant(userID) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(x, y matching.Match) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func (r *Matches) check(ctx context.Context) error {
	if r.failErr != nil {
		return r.failErr
	}
	return ctx.Err()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
