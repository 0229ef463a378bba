// Package matchmaking pairs queued players into sessions. Discovery is
// optimistic: a client scans the waiting index, picks a candidate, and tries
// to claim both queue entries with one conditional write. Losing the claim
// is normal; the client re-scans or keeps waiting on its own entry feed.
package matchmaking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

var (
	ErrInvalidUser = errors.New("matchmaking: invalid user id")
	ErrNotQueued   = errors.New("matchmaking: user has no live queue entry")
)

// Manager coordinates queue entries and session creation.
type Manager struct {
	queue     store.QueueStore
	sessions  store.SessionStore
	clk       clock.Clock
	entryTTL  time.Duration
	heartbeat time.Duration
}

func NewManager(queue store.QueueStore, sessions store.SessionStore, clk clock.Clock, entryTTL, heartbeat time.Duration) *Manager {
	return &Manager{queue: queue, sessions: sessions, clk: clk, entryTTL: entryTTL, heartbeat: heartbeat}
}

// Enqueue inserts a fresh entry for userID. A still-live existing entry is
// returned as-is, preserving the one-live-entry-per-user invariant.
func (m *Manager) Enqueue(ctx context.Context, userID string) (*session.QueueEntry, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	now := m.clk.Now()
	e := &session.QueueEntry{
		UserID:     userID,
		Expiry:     now.Add(m.entryTTL),
		EnqueuedAt: now,
	}
	err := m.queue.Insert(ctx, e)
	if errors.Is(err, store.ErrExists) {
		return m.queue.Get(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	obslog.L().Info("queue_enqueue", zap.String("user_id", userID))
	return e, nil
}

// TryMatch scans for one unmatched candidate and attempts the pairing write:
// a new session with both players, then both entries marked matched under an
// unmatched-and-unexpired guard. The caller must hold a live entry of its
// own. Returns the session id on success, "" when no pairing happened.
func (m *Manager) TryMatch(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	now := m.clk.Now()
	self, err := m.queue.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotQueued
	}
	if err != nil {
		return "", err
	}
	if self.IsMatched {
		return self.GameID, nil
	}

	ids, err := m.queue.Waiting(ctx)
	if err != nil {
		return "", err
	}
	for _, cand := range ids {
		if cand == userID {
			continue
		}
		e, err := m.queue.Get(ctx, cand)
		if err != nil || e.IsMatched || e.Expired(now) {
			continue
		}

		// candidate enqueued first, so it takes the player_1 seat
		sid := uuid.NewString()
		if err := m.sessions.Create(ctx, session.New(sid, cand, userID, now)); err != nil {
			return "", err
		}
		err = m.queue.UpdatePair(ctx, cand, userID, func(a, b *session.QueueEntry) error {
			if a.IsMatched || b.IsMatched || a.Expired(now) || b.Expired(now) {
				return store.ErrGuardFailed
			}
			a.IsMatched, a.GameID = true, sid
			b.IsMatched, b.GameID = true, sid
			return nil
		})
		if err == nil {
			obslog.L().Info("match_paired",
				zap.String("session_id", sid),
				zap.String("player_1", cand),
				zap.String("player_2", userID),
			)
			return sid, nil
		}
		if errors.Is(err, store.ErrGuardFailed) || errors.Is(err, store.ErrNotFound) {
			// lost the claim; the orphaned session record ages out via TTL.
			// A concurrent pairing may also have claimed us.
			if cur, gerr := m.queue.Get(ctx, userID); gerr == nil && cur.IsMatched {
				return cur.GameID, nil
			}
			continue
		}
		return "", err
	}
	return "", nil
}

// WaitForMatch blocks until the caller's entry flips to matched, the context
// is cancelled, or a re-scan pairs it. Heartbeats keep the entry live while
// waiting, and each heartbeat tick also retries discovery so two players who
// enqueued simultaneously cannot deadlock waiting for each other.
func (m *Manager) WaitForMatch(ctx context.Context, userID string) (string, error) {
	updates := make(chan *session.QueueEntry, 8)
	unsub, err := m.queue.Subscribe(ctx, userID, func(e *session.QueueEntry) {
		select {
		case updates <- e:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer unsub()

	// the flip may have happened before the subscription attached
	if e, err := m.queue.Get(ctx, userID); err == nil && e.IsMatched && e.GameID != "" {
		return e.GameID, nil
	}

	tick := m.clk.NewTicker(m.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case e := <-updates:
			if e.IsMatched && e.GameID != "" {
				return e.GameID, nil
			}
		case <-tick.C():
			if err := m.Heartbeat(ctx, userID); err != nil && !errors.Is(err, store.ErrGuardFailed) {
				obslog.L().Warn("queue_heartbeat_error", zap.String("user_id", userID), zap.Error(err))
			}
			id, err := m.TryMatch(ctx, userID)
			if err != nil && !errors.Is(err, ErrNotQueued) {
				obslog.L().Warn("queue_rescan_error", zap.String("user_id", userID), zap.Error(err))
			}
			if id != "" {
				return id, nil
			}
		}
	}
}

// Heartbeat pushes the entry expiry forward. Matched or already-expired
// entries are left alone; expiry is terminal so the sweep cannot race a
// late refresh.
func (m *Manager) Heartbeat(ctx context.Context, userID string) error {
	now := m.clk.Now()
	_, err := m.queue.Update(ctx, userID, func(e *session.QueueEntry) error {
		if e.IsMatched || e.Expired(now) {
			return store.ErrGuardFailed
		}
		e.Expiry = now.Add(m.entryTTL)
		return nil
	})
	return err
}

// Cancel withdraws userID from the queue. If a pairing write won the race
// first, the entry is left matched and its session id is returned so the
// caller can decide whether to join anyway.
func (m *Manager) Cancel(ctx context.Context, userID string) (string, error) {
	now := m.clk.Now()
	upd, err := m.queue.Update(ctx, userID, func(e *session.QueueEntry) error {
		if e.IsMatched {
			return store.ErrGuardFailed
		}
		// tombstone one TTL into the past: a pairing write re-running its
		// mutator with a scan time captured at or before this instant must
		// still read the entry as expired
		e.Expiry = now.Add(-m.entryTTL)
		return nil
	})
	if errors.Is(err, store.ErrGuardFailed) {
		obslog.L().Info("queue_cancel_raced", zap.String("user_id", userID), zap.String("session_id", upd.GameID))
		return upd.GameID, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := m.queue.Delete(ctx, userID); err != nil {
		return "", err
	}
	obslog.L().Info("queue_cancel", zap.String("user_id", userID))
	return "", nil
}

// Expire sweeps the waiting index, removing entries past their expiry and
// index leftovers whose record already lapsed. Returns the removal count.
func (m *Manager) Expire(ctx context.Context) (int, error) {
	now := m.clk.Now()
	ids, err := m.queue.Waiting(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		e, err := m.queue.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			_ = m.queue.Delete(ctx, id) // clears the dangling index member
			removed++
		case err != nil:
			return removed, err
		case e.IsMatched || e.Expired(now):
			if derr := m.queue.Delete(ctx, id); derr == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		obslog.L().Info("queue_expire_sweep", zap.Int("removed", removed))
	}
	return removed, nil
}
