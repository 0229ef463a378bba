// Package store defines the shared-record contract the synchronization core
// runs on: point reads, conditional (guard-checked) writes, and a per-record
// change feed. Conditional writes are the only concurrency-control primitive;
// there is no lock shared between the two players' processes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jykim-dev/gridmatch/internal/session"
)

var (
	// ErrGuardFailed reports that an update's guard predicate did not hold:
	// another writer already resolved the race. It is never retried with the
	// same write; callers re-read and reconcile instead.
	ErrGuardFailed = errors.New("store: guard failed")

	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: record not found")

	// ErrExists reports an insert of an already-present record.
	ErrExists = errors.New("store: record already exists")

	// ErrConflict reports that an update could not be applied after repeated
	// interleaving with concurrent writers. Transient; safe to retry later.
	ErrConflict = errors.New("store: too many concurrent writers")
)

// UnsubscribeFunc detaches a change-feed subscription and releases its
// resources. Safe to call more than once.
type UnsubscribeFunc func()

// Mutator inspects the current record and either mutates it in place or
// returns ErrGuardFailed (possibly wrapped) when its predicate no longer
// holds. It may be invoked several times: once per optimistic attempt,
// always on a freshly read record.
type Mutator func(*session.Session) error

// SessionStore is the shared session record store. Update is a
// compare-and-swap read-modify-write: on interleaved writers the mutator is
// re-run against the fresh record, while a guard failure aborts immediately
// and returns the authoritative record alongside ErrGuardFailed. The store
// stamps Version and UpdatedAt on every applied write.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Create(ctx context.Context, s *session.Session) error
	Update(ctx context.Context, id string, apply Mutator) (*session.Session, error)

	// Subscribe delivers the full record at least once per applied write.
	// Deliveries carry no ordering guarantee relative to the writer's own
	// completion, and may duplicate; consumers reduce idempotently.
	Subscribe(ctx context.Context, id string, fn func(*session.Session)) (UnsubscribeFunc, error)
}

// EntryMutator is the queue-entry counterpart of Mutator.
type EntryMutator func(*session.QueueEntry) error

// QueueStore holds matchmaking entries, at most one live entry per user.
type QueueStore interface {
	Get(ctx context.Context, userID string) (*session.QueueEntry, error)
	Insert(ctx context.Context, e *session.QueueEntry) error
	Update(ctx context.Context, userID string, apply EntryMutator) (*session.QueueEntry, error)

	// UpdatePair applies one mutator over both entries as a single
	// conditional write: either both mutations commit or neither does. This
	// backs the pairing write that claims two queued players at once.
	UpdatePair(ctx context.Context, userA, userB string, apply func(a, b *session.QueueEntry) error) error

	Delete(ctx context.Context, userID string) error

	// Waiting lists user ids with a live entry, for candidate discovery.
	// Entries may be stale by read time; pairing guards re-check.
	Waiting(ctx context.Context) ([]string, error)

	Subscribe(ctx context.Context, userID string, fn func(*session.QueueEntry)) (UnsubscribeFunc, error)
}

// PresenceStore is the per-session liveness channel. Touch refreshes the
// caller's signal for ttl; Alive reads the opponent's. Absence is only ever
// a hint — the forfeit write it leads to is still guard-checked.
type PresenceStore interface {
	Touch(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	Alive(ctx context.Context, sessionID, userID string) (bool, error)
	Clear(ctx context.Context, sessionID, userID string) error
}
