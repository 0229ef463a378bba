package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/session"
)

// Memory is an in-process store with the same compare-and-swap and feed
// semantics as the Redis implementation. Used by tests that need a virtual
// clock, and by the runner's local mode.
type Memory struct {
	Sessions *MemorySessions
	Queue    *MemoryQueue
	Presence *MemoryPresence
}

// NewMemory builds a memory store on clk; TTL-like behavior (queue entry
// lapse, presence expiry) is evaluated against that clock on access.
func NewMemory(clk clock.Clock) *Memory {
	st := &memState{
		clk:       clk,
		sessions:  make(map[string]*session.Session),
		sessSubs:  make(map[string]map[int]func(*session.Session)),
		entries:   make(map[string]*session.QueueEntry),
		waiting:   make(map[string]struct{}),
		entrySubs: make(map[string]map[int]func(*session.QueueEntry)),
		presence:  make(map[string]time.Time),
	}
	return &Memory{
		Sessions: &MemorySessions{st: st},
		Queue:    &MemoryQueue{st: st},
		Presence: &MemoryPresence{st: st},
	}
}

type memState struct {
	mu  sync.Mutex
	clk clock.Clock

	sessions map[string]*session.Session
	sessSubs map[string]map[int]func(*session.Session)

	entries   map[string]*session.QueueEntry
	waiting   map[string]struct{}
	entrySubs map[string]map[int]func(*session.QueueEntry)

	presence map[string]time.Time
	nextSub  int
}

// notify fans out asynchronously: feed delivery is unordered relative to the
// writer's completion, same as the pub/sub path.
func (st *memState) notifySession(s *session.Session) {
	for _, fn := range st.sessSubs[s.ID] {
		go fn(s.Clone())
	}
}

func (st *memState) notifyEntry(e *session.QueueEntry) {
	cp := *e
	for _, fn := range st.entrySubs[e.UserID] {
		go fn(&cp)
	}
}

// MemorySessions implements SessionStore.
type MemorySessions struct{ st *memState }

var _ SessionStore = (*MemorySessions)(nil)

func (m *MemorySessions) Get(_ context.Context, id string) (*session.Session, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	s, ok := m.st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemorySessions) Create(_ context.Context, s *session.Session) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, exists := m.st.sessions[s.ID]; exists {
		return ErrExists
	}
	m.st.sessions[s.ID] = s.Clone()
	m.st.notifySession(s)
	return nil
}

func (m *MemorySessions) Update(_ context.Context, id string, apply Mutator) (*session.Session, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	cur, ok := m.st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := apply(next); err != nil {
		if errors.Is(err, ErrGuardFailed) {
			return cur.Clone(), err
		}
		return nil, err
	}
	next.Version++
	next.UpdatedAt = m.st.clk.Now()
	m.st.sessions[id] = next
	m.st.notifySession(next)
	return next.Clone(), nil
}

func (m *MemorySessions) Subscribe(_ context.Context, id string, fn func(*session.Session)) (UnsubscribeFunc, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.sessSubs[id] == nil {
		m.st.sessSubs[id] = make(map[int]func(*session.Session))
	}
	m.st.nextSub++
	token := m.st.nextSub
	m.st.sessSubs[id][token] = fn
	return func() {
		m.st.mu.Lock()
		delete(m.st.sessSubs[id], token)
		m.st.mu.Unlock()
	}, nil
}

// MemoryQueue implements QueueStore.
type MemoryQueue struct{ st *memState }

var _ QueueStore = (*MemoryQueue)(nil)

// lapsed mirrors the Redis key TTL: entries stay readable for a short slack
// past their logical expiry, then vanish.
func (q *MemoryQueue) lapsed(e *session.QueueEntry) bool {
	return q.st.clk.Now().After(e.Expiry.Add(queueTTLSlack))
}

func (q *MemoryQueue) Get(_ context.Context, userID string) (*session.QueueEntry, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	e, ok := q.st.entries[userID]
	if !ok || q.lapsed(e) {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (q *MemoryQueue) Insert(_ context.Context, e *session.QueueEntry) error {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if old, exists := q.st.entries[e.UserID]; exists && !q.lapsed(old) {
		return ErrExists
	}
	cp := *e
	q.st.entries[e.UserID] = &cp
	q.st.waiting[e.UserID] = struct{}{}
	q.st.notifyEntry(&cp)
	return nil
}

func (q *MemoryQueue) Update(_ context.Context, userID string, apply EntryMutator) (*session.QueueEntry, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	cur, ok := q.st.entries[userID]
	if !ok || q.lapsed(cur) {
		return nil, ErrNotFound
	}
	next := *cur
	if err := apply(&next); err != nil {
		if errors.Is(err, ErrGuardFailed) {
			cp := *cur
			return &cp, err
		}
		return nil, err
	}
	next.Version++
	q.st.entries[userID] = &next
	if next.IsMatched {
		delete(q.st.waiting, userID)
	}
	q.st.notifyEntry(&next)
	cp := next
	return &cp, nil
}

func (q *MemoryQueue) UpdatePair(_ context.Context, userA, userB string, apply func(a, b *session.QueueEntry) error) error {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	a, ok := q.st.entries[userA]
	if !ok || q.lapsed(a) {
		return ErrNotFound
	}
	b, ok := q.st.entries[userB]
	if !ok || q.lapsed(b) {
		return ErrNotFound
	}
	nextA, nextB := *a, *b
	if err := apply(&nextA, &nextB); err != nil {
		return err
	}
	nextA.Version++
	nextB.Version++
	q.st.entries[userA] = &nextA
	q.st.entries[userB] = &nextB
	if nextA.IsMatched {
		delete(q.st.waiting, userA)
	}
	if nextB.IsMatched {
		delete(q.st.waiting, userB)
	}
	q.st.notifyEntry(&nextA)
	q.st.notifyEntry(&nextB)
	return nil
}

func (q *MemoryQueue) Delete(_ context.Context, userID string) error {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	delete(q.st.entries, userID)
	delete(q.st.waiting, userID)
	return nil
}

func (q *MemoryQueue) Waiting(_ context.Context) ([]string, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	out := make([]string, 0, len(q.st.waiting))
	for id := range q.st.waiting {
		out = append(out, id)
	}
	return out, nil
}

func (q *MemoryQueue) Subscribe(_ context.Context, userID string, fn func(*session.QueueEntry)) (UnsubscribeFunc, error) {
	q.st.mu.Lock()
	defer q.st.mu.Unlock()
	if q.st.entrySubs[userID] == nil {
		q.st.entrySubs[userID] = make(map[int]func(*session.QueueEntry))
	}
	q.st.nextSub++
	token := q.st.nextSub
	q.st.entrySubs[userID][token] = fn
	return func() {
		q.st.mu.Lock()
		delete(q.st.entrySubs[userID], token)
		q.st.mu.Unlock()
	}, nil
}

// MemoryPresence implements PresenceStore with clock-evaluated expiry.
type MemoryPresence struct{ st *memState }

var _ PresenceStore = (*MemoryPresence)(nil)

func (p *MemoryPresence) Touch(_ context.Context, sessionID, userID string, ttl time.Duration) error {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	p.st.presence[presenceKey(sessionID, userID)] = p.st.clk.Now().Add(ttl)
	return nil
}

func (p *MemoryPresence) Alive(_ context.Context, sessionID, userID string) (bool, error) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	exp, ok := p.st.presence[presenceKey(sessionID, userID)]
	return ok && p.st.clk.Now().Before(exp), nil
}

func (p *MemoryPresence) Clear(_ context.Context, sessionID, userID string) error {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	delete(p.st.presence, presenceKey(sessionID, userID))
	return nil
}
