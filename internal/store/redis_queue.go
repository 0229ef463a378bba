package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jykim-dev/gridmatch/internal/session"
)

// RedisQueue implements QueueStore. Entries live under their own key with a
// TTL derived from the logical expiry, plus a waiting-index set used for
// candidate discovery. The index is advisory; the pairing guard re-checks
// IsMatched on the entries themselves.
type RedisQueue struct {
	rdb *redis.Client
}

var _ QueueStore = (*RedisQueue)(nil)

func entryTTL(e *session.QueueEntry) time.Duration {
	ttl := time.Until(e.Expiry) + queueTTLSlack
	if ttl < queueTTLSlack {
		ttl = queueTTLSlack
	}
	return ttl
}

func (q *RedisQueue) Get(ctx context.Context, userID string) (*session.QueueEntry, error) {
	raw, err := q.rdb.Get(ctx, queueKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e session.QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *RedisQueue) Insert(ctx context.Context, e *session.QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ok, err := q.rdb.SetNX(ctx, queueKey(e.UserID), raw, entryTTL(e)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	if err := q.rdb.SAdd(ctx, waitingKey(), e.UserID).Err(); err != nil {
		return err
	}
	return q.rdb.Publish(ctx, queueFeedKey(e.UserID), raw).Err()
}

func (q *RedisQueue) Update(ctx context.Context, userID string, apply EntryMutator) (*session.QueueEntry, error) {
	key := queueKey(userID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var out *session.QueueEntry
		var guardErr error
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := loadEntry(ctx, tx, key)
			if err != nil {
				return err
			}
			if err := apply(cur); err != nil {
				if errors.Is(err, ErrGuardFailed) {
					cp := *cur
					out, guardErr = &cp, err
					return nil
				}
				return err
			}
			cur.Version++
			newRaw, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, entryTTL(cur))
			if cur.IsMatched {
				pipe.SRem(ctx, waitingKey(), userID)
			}
			pipe.Publish(ctx, queueFeedKey(userID), newRaw)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, guardErr
	}
	return nil, ErrConflict
}

// UpdatePair watches both entry keys so the pairing write claims the two
// players atomically: a concurrent match against either entry fails the
// whole transaction and the caller re-scans.
func (q *RedisQueue) UpdatePair(ctx context.Context, userA, userB string, apply func(a, b *session.QueueEntry) error) error {
	keyA, keyB := queueKey(userA), queueKey(userB)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			a, err := loadEntry(ctx, tx, keyA)
			if err != nil {
				return err
			}
			b, err := loadEntry(ctx, tx, keyB)
			if err != nil {
				return err
			}
			if err := apply(a, b); err != nil {
				return err
			}
			a.Version++
			b.Version++
			rawA, err := json.Marshal(a)
			if err != nil {
				return err
			}
			rawB, err := json.Marshal(b)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, keyA, rawA, entryTTL(a))
			pipe.Set(ctx, keyB, rawB, entryTTL(b))
			if a.IsMatched {
				pipe.SRem(ctx, waitingKey(), userA)
			}
			if b.IsMatched {
				pipe.SRem(ctx, waitingKey(), userB)
			}
			pipe.Publish(ctx, queueFeedKey(userA), rawA)
			pipe.Publish(ctx, queueFeedKey(userB), rawB)
			_, err = pipe.Exec(ctx)
			return err
		}, keyA, keyB)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func loadEntry(ctx context.Context, tx *redis.Tx, key string) (*session.QueueEntry, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e session.QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *RedisQueue) Delete(ctx context.Context, userID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, queueKey(userID))
	pipe.SRem(ctx, waitingKey(), userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Waiting(ctx context.Context) ([]string, error) {
	return q.rdb.SMembers(ctx, waitingKey()).Result()
}

func (q *RedisQueue) Subscribe(ctx context.Context, userID string, fn func(*session.QueueEntry)) (UnsubscribeFunc, error) {
	ps := q.rdb.Subscribe(ctx, queueFeedKey(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	go func() {
		for msg := range ps.Channel() {
			var e session.QueueEntry
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			fn(&e)
		}
	}()
	return func() { _ = ps.Close() }, nil
}
