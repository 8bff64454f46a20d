package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bidround/internal/codec"
	"github.com/alanyoungcy/bidround/internal/domain"
)

// DefaultRoundTTL bounds how long a cached round may be served after the
// last write that refreshed it.
const DefaultRoundTTL = 2 * time.Minute

// RoundCache implements domain.RoundCache. Rounds are stored as versioned
// binary records (see package codec) under round:{id}.
type RoundCache struct {
	c   *Client
	ttl time.Duration
}

// NewRoundCache creates a RoundCache. A zero ttl uses DefaultRoundTTL.
func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	if ttl <= 0 {
		ttl = DefaultRoundTTL
	}
	return &RoundCache{c: c, ttl: ttl}
}

func (rc *RoundCache) roundKey(id string) string {
	return rc.c.Key("round:" + id)
}

// Set stores the round snapshot.
func (rc *RoundCache) Set(ctx context.Context, r domain.Round) error {
	data, err := codec.EncodeRound(r)
	if err != nil {
		return fmt.Errorf("redis: encode round %s: %w", r.ID, err)
	}
	if err := rc.c.rdb.Set(ctx, rc.roundKey(r.ID), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set round %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the cached round or domain.ErrNotFound on a miss. An entry
// that fails to decode is dropped and reported as a miss.
func (rc *RoundCache) Get(ctx context.Context, id string) (domain.Round, error) {
	data, err := rc.c.rdb.Get(ctx, rc.roundKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("redis: get round %s: %w", id, err)
	}
	r, err := codec.DecodeRound(data)
	if err != nil {
		_ = rc.c.rdb.Del(ctx, rc.roundKey(id)).Err()
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

// Invalidate drops the cached round.
func (rc *RoundCache) Invalidate(ctx context.Context, id string) error {
	if err := rc.c.rdb.Del(ctx, rc.roundKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate round %s: %w", id, err)
	}
	return nil
}

var _ domain.RoundCache = (*RoundCache)(nil)
