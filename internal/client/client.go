// Package client attaches one player to a session: it consumes the change
// feed, reduces snapshots idempotently, runs the turn countdown and the
// presence machinery, and exposes the move/quit surface a view consumes.
//
// A single event-loop goroutine owns the local state; feed deliveries,
// countdown ticks and detector resolutions all funnel through it, so
// at-least-once and unordered delivery collapse into apply-if-newer.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/game"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/presence"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

var ErrNotAttached = errors.New("client: user is not a player of this session")

// Config binds a client to one session from one player's side.
type Config struct {
	SessionID string
	UserID    string

	// Presence timings; see config.AppConfig for the corresponding env knobs.
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	Grace             time.Duration
	Poll              time.Duration
}

// Snapshot is the read-only derived state handed to views. It is a value:
// safe to keep across further updates.
type Snapshot struct {
	Session   session.Session
	Role      session.Role
	MySymbol  session.Symbol
	Remaining time.Duration
	Outcome   session.Outcome
}

// Client is one player's attachment to a session.
type Client struct {
	sessions store.SessionStore
	press    store.PresenceStore
	engine   *game.Engine
	clk      clock.Clock
	cfg      Config

	mu  sync.Mutex
	cur *session.Session

	feedCh  chan *session.Session
	updates chan Snapshot

	cancel     context.CancelFunc
	unsub      store.UnsubscribeFunc
	loopDone   chan struct{}
	finished   chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
}

// Attach loads the session, subscribes to its feed, and starts the event
// loop plus presence tracker and forfeit detector. The returned client must
// be closed when the view unmounts.
func Attach(ctx context.Context, sessions store.SessionStore, press store.PresenceStore, eng *game.Engine, clk clock.Clock, cfg Config) (*Client, error) {
	cur, err := sessions.Get(ctx, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	if cur.RoleOf(cfg.UserID) == session.RoleNone {
		return nil, ErrNotAttached
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		sessions: sessions,
		press:    press,
		engine:   eng,
		clk:      clk,
		cfg:      cfg,
		cur:      cur.Clone(),
		feedCh:   make(chan *session.Session, 16),
		updates:  make(chan Snapshot, 16),
		cancel:   cancel,
		loopDone: make(chan struct{}),
		finished: make(chan struct{}),
	}

	unsub, err := sessions.Subscribe(ctx, cfg.SessionID, c.offer)
	if err != nil {
		cancel()
		return nil, err
	}
	c.unsub = unsub

	if cur.Completed() {
		c.finishOnce.Do(func() { close(c.finished) })
	} else {
		tracker := presence.NewTracker(press, clk, cfg.PresenceTTL, cfg.HeartbeatInterval)
		go tracker.Run(loopCtx, cfg.SessionID, cfg.UserID)

		detector := presence.NewDetector(press, eng, clk, presence.DetectorConfig{
			SessionID:  cfg.SessionID,
			SelfID:     cfg.UserID,
			OpponentID: cur.OpponentOf(cfg.UserID),
			Grace:      cfg.Grace,
			Poll:       cfg.Poll,
		})
		go detector.Run(loopCtx, c.offer)
	}

	go c.run(loopCtx)
	c.publish()
	return c, nil
}

// offer hands a snapshot to the event loop without blocking the feed
// goroutine. On backpressure the oldest pending snapshot is discarded;
// every snapshot is full state, so newer supersedes older.
func (c *Client) offer(s *session.Session) {
	for {
		select {
		case c.feedCh <- s:
			return
		default:
			select {
			case <-c.feedCh:
			default:
			}
		}
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.loopDone)

	// the triggering client is whichever observes unassigned symbols first
	c.maybeAssignSymbols(ctx)

	tick := c.clk.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-c.feedCh:
			if c.adopt(next) {
				c.maybeAssignSymbols(ctx)
			}
		case <-tick.C():
			c.onTick(ctx)
		}
	}
}

// adopt applies a snapshot if and only if it is newer than the local view.
// Duplicates, self-notifications and reordered deliveries all reduce to
// no-ops here.
func (c *Client) adopt(next *session.Session) bool {
	if next == nil || next.ID != c.cfg.SessionID {
		return false
	}
	c.mu.Lock()
	if next.Version <= c.cur.Version || next.Status.Before(c.cur.Status) {
		c.mu.Unlock()
		return false
	}
	c.cur = next.Clone()
	completed := next.Completed()
	c.mu.Unlock()

	c.publish()
	if completed {
		c.finishOnce.Do(func() { close(c.finished) })
		c.cancel() // stops tracker, detector and countdown
	}
	return true
}

func (c *Client) maybeAssignSymbols(ctx context.Context) {
	c.mu.Lock()
	needs := !c.cur.SymbolsAssigned() && !c.cur.Completed()
	c.mu.Unlock()
	if !needs {
		return
	}
	upd, err := c.engine.AssignSymbols(ctx, c.cfg.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			obslog.L().Warn("symbol_assign_error", zap.String("session_id", c.cfg.SessionID), zap.Error(err))
		}
		return
	}
	c.adopt(upd)
}

func (c *Client) onTick(ctx context.Context) {
	c.mu.Lock()
	cur := c.cur.Clone()
	c.mu.Unlock()

	if cur.Completed() {
		return
	}
	if !cur.SymbolsAssigned() {
		// a WAITING session produces no feed writes, so a transiently
		// failed attach-time attempt is retried from here; the store
		// guard keeps the assignment exactly-once
		c.maybeAssignSymbols(ctx)
		return
	}
	if cur.Status != session.StatusActive {
		return
	}
	c.publish() // countdown moved even if the record did not

	if cur.Remaining(c.clk.Now()) > 0 || cur.TurnDeadline.IsZero() {
		return
	}
	upd, applied, err := c.engine.ForfeitExpiredTurn(ctx, c.cfg.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			obslog.L().Warn("turn_expiry_error", zap.String("session_id", c.cfg.SessionID), zap.Error(err))
		}
		return
	}
	_ = applied // either way upd is authoritative
	c.adopt(upd)
}

func (c *Client) publish() {
	snap := c.Snapshot()
	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

// MakeMove plays cell for this player. Precondition failures (occupied
// cell, not your turn, finished session) come back as game rejection errors
// after the local view has already been reconciled; they are no-ops to
// display logic, not faults.
func (c *Client) MakeMove(ctx context.Context, cell int) error {
	upd, err := c.engine.ApplyMove(ctx, c.cfg.SessionID, c.cfg.UserID, cell)
	if upd != nil {
		c.adopt(upd)
	}
	return err
}

// Quit voluntarily forfeits. Idempotent: if the session already completed,
// the guard makes this a no-op and the authoritative record is adopted.
func (c *Client) Quit(ctx context.Context) error {
	upd, _, err := c.engine.Forfeit(ctx, c.cfg.SessionID, c.cfg.UserID)
	if upd != nil {
		c.adopt(upd)
	}
	return err
}

// Close detaches: a still-live session gets a best-effort self-forfeit (the
// tab-close path; the opponent's detector is the authoritative fallback),
// then all timers and subscriptions stop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		live := !c.cur.Completed()
		c.mu.Unlock()
		if live {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _, _ = c.engine.Forfeit(ctx, c.cfg.SessionID, c.cfg.UserID)
			cancel()
		}
		c.cancel()
		if c.unsub != nil {
			c.unsub()
		}
		<-c.loopDone
	})
}

// Snapshot returns the current derived view state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	cur := c.cur.Clone()
	c.mu.Unlock()
	role := cur.RoleOf(c.cfg.UserID)
	return Snapshot{
		Session:   *cur,
		Role:      role,
		MySymbol:  cur.SymbolOf(role),
		Remaining: cur.Remaining(c.clk.Now()),
		Outcome:   cur.OutcomeFor(c.cfg.UserID),
	}
}

// Board returns the current board.
func (c *Client) Board() session.Board { return c.Snapshot().Session.Board }

// TurnOwner returns the seat currently on turn, RoleNone when inactive.
func (c *Client) TurnOwner() session.Role { return c.Snapshot().Session.CurrentTurn }

// RemainingSeconds returns the whole seconds left on the turn countdown.
func (c *Client) RemainingSeconds() int {
	return int(c.Snapshot().Remaining / time.Second)
}

// Outcome returns the viewer-relative result, OutcomeNone while live.
func (c *Client) Outcome() session.Outcome { return c.Snapshot().Outcome }

// Updates delivers a snapshot after every adopted change and countdown
// tick. Slow consumers lose intermediate snapshots, never the latest.
func (c *Client) Updates() <-chan Snapshot { return c.updates }

// Finished is closed once the session is observed in its terminal state.
func (c *Client) Finished() <-chan struct{} { return c.finished }
