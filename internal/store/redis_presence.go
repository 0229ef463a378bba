package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence keeps a TTL key per (session, user). A client that stops
// heart-beating simply lets its key lapse; crash and tab-close look the same.
type RedisPresence struct {
	rdb *redis.Client
}

var _ PresenceStore = (*RedisPresence)(nil)

func (p *RedisPresence) Touch(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	return p.rdb.Set(ctx, presenceKey(sessionID, userID), "1", ttl).Err()
}

func (p *RedisPresence) Alive(ctx context.Context, sessionID, userID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(sessionID, userID)).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return n > 0, nil
}

func (p *RedisPresence) Clear(ctx context.Context, sessionID, userID string) error {
	return p.rdb.Del(ctx, presenceKey(sessionID, userID)).Err()
}
