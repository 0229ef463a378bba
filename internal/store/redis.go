package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlSession = 24 * time.Hour

	// queue entry keys outlive their logical expiry slightly so Cancel can
	// still observe a concurrent match instead of a vanished record.
	queueTTLSlack = 30 * time.Second

	// optimistic attempts before an update is reported as ErrConflict.
	maxTxRetries = 8
)

func sessionKey(id string) string     { return "gm:session:" + strings.TrimSpace(id) }
func sessionFeedKey(id string) string { return sessionKey(id) + ":feed" }
func queueKey(user string) string     { return "gm:queue:user:" + strings.TrimSpace(user) }
func queueFeedKey(user string) string { return queueKey(user) + ":feed" }
func waitingKey() string              { return "gm:queue:waiting" }
func presenceKey(sid, uid string) string {
	return "gm:presence:" + strings.TrimSpace(sid) + ":" + strings.TrimSpace(uid)
}

// Redis bundles the three record stores over one client connection.
type Redis struct {
	rdb *redis.Client

	Sessions *RedisSessions
	Queue    *RedisQueue
	Presence *RedisPresence
}

// NewRedis connects via a redis:// URL and pings before returning.
func NewRedis(redisURL string) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for session store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(rdb), nil
}

// NewRedisWithClient wraps an existing client (tests pass a miniredis-backed one).
func NewRedisWithClient(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:      rdb,
		Sessions: &RedisSessions{rdb: rdb},
		Queue:    &RedisQueue{rdb: rdb},
		Presence: &RedisPresence{rdb: rdb},
	}
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
