package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cozy/connections/internal/questionnaire"
)

// AnswerPrefix keys the cached answer set of a user.
const AnswerPrefix = "answers:"

// DefaultAnswerTTL bounds how long a cached answer set is served.
const DefaultAnswerTTL = 5 * time.Minute

// AnswerSource is the primary store the cache reads through to.
type AnswerSource interface {
	GetAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error)
}

// AnswerCache is a read-through cache of answer sets. The wrapped source
// stays the only source of truth: nothing is written to Redis that was not
// just read from it, and every Redis failure falls back to the source.
type AnswerCache struct {
	rdb    *redis.Client
	source AnswerSource
	ttl    time.Duration
	logger *zap.Logger
}

// NewAnswerCache wraps source. A non-positive ttl uses DefaultAnswerTTL.
func NewAnswerCache(rdb *redis.Client, source AnswerSource, ttl time.Duration, logger *zap.Logger) *AnswerCache {
	if ttl <= 0 {
		ttl = DefaultAnswerTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnswerCache{
		rdb:    rdb,
		source: source,
		ttl:    ttl,
		logger: logger.Named("answer-cache"),
	}
}

// GetAnswers serves userID's answers from Redis when cached, otherwise from
// the source, populating the cache on the way out.
func (c *AnswerCache) GetAnswers(ctx context.Context, userID string) ([]questionnaire.Answer, error) {
	key := AnswerPrefix + userID

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var answers []questionnaire.Answer
		if err := json.Unmarshal(data, &answers); err == nil {
			return answers, nil
		}
		c.logger.Warn("corrupt cache entry, reading through", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("cache read failed, reading through", zap.String("key", key), zap.Error(err))
	}

	answers, err := c.source.GetAnswers(ctx, userID)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(answers)
	if err != nil {
		c.logger.Warn("encode cache entry", zap.String("key", key), zap.Error(err))
		return answers, nil
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return answers, nil
}

// Invalidate drops the cached answer set of userID.
func (c *AnswerCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, AnswerPrefix+userID).Err(); err != nil {
		return fmt.Errorf("redisstore: invalidate answers: %w", err)
	}
	return nil
}

var _ questionnaire.Invalidator = (*AnswerCache)(nil)
