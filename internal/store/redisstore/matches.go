// Package redisstore keeps match rows in Redis and caches answer sets in
// front of the primary store.
package redisstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cozy/connections/internal/matching"
)

const (
	MatchPrefix     = "match:"      // hash per match id
	PairPrefix      = "match:pair:" // + <user_a>:<user_b> -> match id
	UserMatchPrefix = "match:user:" // set of match ids per user
)

// Matches is the Redis matching.Repository. Every multi-key write runs in a
// Lua script so the pair index, the hash and the user sets stay consistent.
type Matches struct {
	rdb          *redis.Client
	insertScript *redis.Script
	statusScript *redis.Script
	scoreScript  *redis.Script
}

// NewMatches creates a match repository backed by Redis.
func NewMatches(rdb *redis.Client) *Matches {
	return &Matches{
		rdb:          rdb,
		insertScript: redis.NewScript(insertMatchLua),
		statusScript: redis.NewScript(updateStatusLua),
		scoreScript:  redis.NewScript(updateScoreLua),
	}
}

func pairKey(a, b string) string {
	return PairPrefix + a + ":" + b
}

func (r *Matches) FindByPair(ctx context.Context, userA, userB string) (*matching.Match, error) {
	a, b := matching.CanonicalPair(userA, userB)
	id, err := r.rdb.Get(ctx, pairKey(a, b)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: find by pair: %w", err)
	}
	return r.Get(ctx, id)
}

// Get retrieves a match. Returns nil if not found.
func (r *Matches) Get(ctx context.Context, matchID string) (*matching.Match, error) {
	result, err := r.rdb.HGetAll(ctx, MatchPrefix+matchID).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get match: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	m, err := decodeMatch(matchID, result)
	if err != nil {
		return nil, fmt.Errorf("redisstore: get match %s: %w", matchID, err)
	}
	return m, nil
}

func (r *Matches) Insert(ctx context.Context, m *matching.Match) error {
	a, b := matching.CanonicalPair(m.UserA, m.UserB)
	keys := []string{
		pairKey(a, b),
		MatchPrefix + m.ID,
		UserMatchPrefix + a,
		UserMatchPrefix + b,
	}
	args := []any{
		m.ID, a, b,
		strconv.FormatFloat(m.Score, 'g', -1, 64),
		string(m.Status),
		m.CreatedAt.UnixMicro(),
		m.UpdatedAt.UnixMicro(),
	}

	result, err := r.insertScript.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redisstore: insert match: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return matching.ErrDuplicate
	default:
		return fmt.Errorf("redisstore: insert match: id %s already used", m.ID)
	}
}

func (r *Matches) UpdateScore(ctx context.Context, matchID string, score float64) error {
	result, err := r.scoreScript.Run(ctx, r.rdb, []string{MatchPrefix + matchID},
		strconv.FormatFloat(score, 'g', -1, 64), now().UnixMicro()).Int()
	if err != nil {
		return fmt.Errorf("redisstore: update score: %w", err)
	}
	if result < 0 {
		return matching.ErrNotFound
	}
	return nil
}

// UpdateStatus atomically moves a match from expected to next.
func (r *Matches) UpdateStatus(ctx context.Context, matchID string, expected, next matching.Status) (bool, error) {
	result, err := r.statusScript.Run(ctx, r.rdb, []string{MatchPrefix + matchID},
		string(expected), string(next), now().UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: update status: %w", err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, matching.ErrNotFound
	}
}

// ListByUser returns the matches involving userID ordered by id.
func (r *Matches) ListByUser(ctx context.Context, userID string) ([]matching.Match, error) {
	ids, err := r.rdb.SMembers(ctx, UserMatchPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list matches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, MatchPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: list matches: %w", err)
	}

	out := make([]matching.Match, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		m, err := decodeMatch(ids[i], fields)
		if err != nil {
			return nil, fmt.Errorf("redisstore: list matches: %s: %w", ids[i], err)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(x, y matching.Match) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func decodeMatch(id string, fields map[string]string) (*matching.Match, error) {
	score, err := strconv.ParseFloat(fields["score"], 64)
	if err != nil {
		return nil, fmt.Errorf("parse score: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &matching.Match{
		ID:        id,
		UserA:     fields["user_a"],
		UserB:     fields["user_b"],
		Score:     score,
		Status:    matching.Status(fields["status"]),
		CreatedAt: time.UnixMicro(createdAt).UTC(),
		UpdatedAt: time.UnixMicro(updatedAt).UTC(),
	}, nil
}

func now() time.Time {
	return time.Now().UTC()
}

// insertMatchLua claims the pair key and writes the match hash plus both
// user index entries. Returns:
//
//	1 = inserted
//	0 = pair already has a match
//	-1 = match id already used
const insertMatchLua = `
local pair_key, match_key, user_a_key, user_b_key = KEYS[1], KEYS[2], KEYS[3], KEYS[4]

if redis.call('EXISTS', match_key) == 1 then return -1 end
if redis.call('SETNX', pair_key, ARGV[1]) == 0 then return 0 end

redis.call('HSET', match_key,
	'user_a', ARGV[2],
	'user_b', ARGV[3],
	'score', ARGV[4],
	'status', ARGV[5],
	'created_at', ARGV[6],
	'updated_at', ARGV[7])
redis.call('SADD', user_a_key, ARGV[1])
redis.call('SADD', user_b_key, ARGV[1])
return 1
`

// updateStatusLua is a compare-and-set on the status field. Returns:
//
//	1 = updated
//	0 = status differs from expected
//	-1 = match not found
const updateStatusLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end

redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`

// updateScoreLua rewrites the score of an existing match. Returns -1 when
// the match does not exist so a stale id never creates a partial hash.
const updateScoreLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'score', ARGV[1], 'updated_at', ARGV[2])
return 1
`

var _ matching.Repository = (*Matches)(nil)
