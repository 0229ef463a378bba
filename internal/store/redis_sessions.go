package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jykim-dev/gridmatch/internal/session"
)

// RedisSessions implements SessionStore on a Redis record per session.
// Conditional writes run as WATCH transactions: interleaved writers abort
// the EXEC and the mutator is re-run on the fresh record, so a guard only
// ever evaluates against authoritative state.
type RedisSessions struct {
	rdb *redis.Client
}

var _ SessionStore = (*RedisSessions)(nil)

func (s *RedisSessions) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cur session.Session
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, err
	}
	return &cur, nil
}

func (s *RedisSessions) Create(ctx context.Context, sess *session.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, sessionKey(sess.ID), raw, ttlSession).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	// creation counts as an applied write for feed consumers
	return s.rdb.Publish(ctx, sessionFeedKey(sess.ID), raw).Err()
}

func (s *RedisSessions) Update(ctx context.Context, id string, apply Mutator) (*session.Session, error) {
	key := sessionKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var out *session.Session
		var guardErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var cur session.Session
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if err := apply(&cur); err != nil {
				if errors.Is(err, ErrGuardFailed) {
					// no write; surface the authoritative record for reconciliation
					out, guardErr = cur.Clone(), err
					return nil
				}
				return err
			}
			cur.Version++
			cur.UpdatedAt = time.Now()
			newRaw, err := json.Marshal(&cur)
			if err != nil {
				return err
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, ttlSession)
			pipe.Publish(ctx, sessionFeedKey(id), newRaw)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			out = &cur
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

func (s *RedisSessions) Subscribe(ctx context.Context, id string, fn func(*session.Session)) (UnsubscribeFunc, error) {
	ps := s.rdb.Subscribe(ctx, sessionFeedKey(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	go func() {
		for msg := range ps.Channel() {
			var cur session.Session
			if err := json.Unmarshal([]byte(msg.Payload), &cur); err != nil {
				continue
			}
			fn(&cur)
		}
	}()
	return func() { _ = ps.Close() }, nil
}
