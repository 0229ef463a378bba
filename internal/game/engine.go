// Package game applies moves and terminal-state writes to the shared session
// record. Every state change is a guarded store update; a failed guard means
// the other client already resolved the race and the authoritative record is
// adopted instead.
package game

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

// Move rejections. These are precondition failures checked against the
// freshly read record inside the conditional write; no store write happens.
var (
	ErrInvalidCell  = errors.New("game: cell index out of range")
	ErrCellOccupied = errors.New("game: cell already occupied")
	ErrNotActive    = errors.New("game: session is not active")
	ErrNotYourTurn  = errors.New("game: not your turn")
	ErrNotPlayer    = errors.New("game: user is not a player of this session")
)

// IsRejection reports whether err is a move precondition failure, as opposed
// to a store/transport error. Rejections are no-ops for the caller: adopt
// the returned record and wait for the next user action.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidCell) || errors.Is(err, ErrCellOccupied) ||
		errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotYourTurn) ||
		errors.Is(err, ErrNotPlayer)
}

// Recorder archives completed sessions. Attached optionally; failures are
// logged and never affect protocol state.
type Recorder interface {
	SaveResult(ctx context.Context, s *session.Session) error
}

// Engine owns all writes against a session record.
type Engine struct {
	sessions    store.SessionStore
	clk         clock.Clock
	turnTimeout time.Duration
	flip        func() bool
	recorder    Recorder
}

// NewEngine builds an engine with a crypto/rand coin flip.
func NewEngine(sessions store.SessionStore, clk clock.Clock, turnTimeout time.Duration) *Engine {
	return &Engine{
		sessions:    sessions,
		clk:         clk,
		turnTimeout: turnTimeout,
		flip:        cryptoFlip,
	}
}

// SetCoinFlip replaces the random source; tests force both outcomes.
func (e *Engine) SetCoinFlip(flip func() bool) {
	if flip != nil {
		e.flip = flip
	}
}

// AttachRecorder wires an archive for terminal results.
func (e *Engine) AttachRecorder(r Recorder) { e.recorder = r }

func cryptoFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 0
}

// AssignSymbols runs the exactly-once coin flip. Whichever client observes
// unassigned symbols first calls this; the write is guarded on the symbols
// still being unset, so concurrent attempts converge on a single assignment
// and losers simply receive the authoritative record.
func (e *Engine) AssignSymbols(ctx context.Context, id string) (*session.Session, error) {
	heads := e.flip()
	upd, err := e.sessions.Update(ctx, id, func(s *session.Session) error {
		if s.SymbolsAssigned() || s.Completed() {
			return store.ErrGuardFailed
		}
		if heads {
			s.SymbolP1, s.SymbolP2 = session.SymbolX, session.SymbolO
		} else {
			s.SymbolP1, s.SymbolP2 = session.SymbolO, session.SymbolX
		}
		// X moves first
		s.CurrentTurn = session.Player1
		if s.SymbolP2 == session.SymbolX {
			s.CurrentTurn = session.Player2
		}
		s.Status = session.StatusActive
		s.TurnDeadline = e.clk.Now().Add(e.turnTimeout)
		return nil
	})
	if errors.Is(err, store.ErrGuardFailed) {
		// someone else assigned; the local flip is discarded
		return upd, nil
	}
	if err != nil {
		return nil, err
	}
	obslog.L().Info("symbols_assigned",
		zap.String("session_id", id),
		zap.String("symbol_p1", string(upd.SymbolP1)),
		zap.String("first_turn", string(upd.CurrentTurn)),
	)
	return upd, nil
}

// ApplyMove places userID's symbol at cell. The whole check-and-place runs
// inside one conditional write, so two clients racing on a stale turn view
// can never both commit: the loser's preconditions re-evaluate against the
// winner's record and fail as a rejection.
func (e *Engine) ApplyMove(ctx context.Context, id, userID string, cell int) (*session.Session, error) {
	if cell < 0 || cell >= len(session.Board{}) {
		return nil, ErrInvalidCell
	}
	upd, err := e.sessions.Update(ctx, id, func(s *session.Session) error {
		role := s.RoleOf(userID)
		if role == session.RoleNone {
			return ErrNotPlayer
		}
		if s.Status != session.StatusActive {
			return ErrNotActive
		}
		if s.CurrentTurn != role {
			return ErrNotYourTurn
		}
		if s.Board[cell] != session.SymbolNone {
			return ErrCellOccupied
		}
		s.Board[cell] = s.SymbolOf(role)
		switch {
		case s.Board.Winner() != session.SymbolNone:
			s.Winner = role
			s.Status = session.StatusCompleted
			s.CurrentTurn = session.RoleNone
			s.TurnDeadline = time.Time{}
		case s.Board.Full():
			s.IsTie = true
			s.Status = session.StatusCompleted
			s.CurrentTurn = session.RoleNone
			s.TurnDeadline = time.Time{}
		default:
			s.CurrentTurn = role.Other()
			s.TurnDeadline = e.clk.Now().Add(e.turnTimeout)
		}
		return nil
	})
	if IsRejection(err) {
		// stale local view; hand back the authoritative record
		cur, gerr := e.sessions.Get(ctx, id)
		if gerr != nil {
			return nil, err
		}
		return cur, err
	}
	if err != nil {
		return nil, err
	}
	obslog.L().Info("move_applied",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.Int("cell", cell),
		zap.String("status", string(upd.Status)),
	)
	e.recordIfCompleted(ctx, upd)
	return upd, nil
}

// ForfeitExpiredTurn ends the session against the player on turn once the
// replicated deadline has passed. Both clients may race to declare it; the
// status guard lets exactly one write through.
func (e *Engine) ForfeitExpiredTurn(ctx context.Context, id string) (*session.Session, bool, error) {
	now := e.clk.Now()
	upd, err := e.sessions.Update(ctx, id, func(s *session.Session) error {
		if s.Completed() {
			return store.ErrGuardFailed
		}
		if s.CurrentTurn == session.RoleNone || s.TurnDeadline.IsZero() || now.Before(s.TurnDeadline) {
			// deadline moved under us (move accepted meanwhile)
			return store.ErrGuardFailed
		}
		s.ForfeitedBy = s.PlayerID(s.CurrentTurn)
		s.Status = session.StatusCompleted
		s.CurrentTurn = session.RoleNone
		s.TurnDeadline = time.Time{}
		return nil
	})
	if errors.Is(err, store.ErrGuardFailed) {
		return upd, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	obslog.L().Info("turn_expired_forfeit",
		zap.String("session_id", id),
		zap.String("forfeited_by", upd.ForfeitedBy),
	)
	e.recordIfCompleted(ctx, upd)
	return upd, true, nil
}

// Forfeit marks userID as having forfeited: the voluntary quit path and the
// proactive tab-close write. Idempotent under the shared guard.
func (e *Engine) Forfeit(ctx context.Context, id, userID string) (*session.Session, bool, error) {
	return e.forfeit(ctx, id, userID, "session_forfeit")
}

// ForfeitAbsent is the detector's write after the grace window lapses with
// the opponent still missing.
func (e *Engine) ForfeitAbsent(ctx context.Context, id, absentUserID string) (*session.Session, bool, error) {
	return e.forfeit(ctx, id, absentUserID, "presence_forfeit")
}

func (e *Engine) forfeit(ctx context.Context, id, userID, event string) (*session.Session, bool, error) {
	upd, err := e.sessions.Update(ctx, id, func(s *session.Session) error {
		if s.RoleOf(userID) == session.RoleNone {
			return ErrNotPlayer
		}
		if s.Completed() || s.ForfeitedBy != "" {
			return store.ErrGuardFailed
		}
		s.ForfeitedBy = userID
		s.Status = session.StatusCompleted
		s.CurrentTurn = session.RoleNone
		s.TurnDeadline = time.Time{}
		return nil
	})
	if errors.Is(err, store.ErrGuardFailed) {
		return upd, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	obslog.L().Info(event,
		zap.String("session_id", id),
		zap.String("forfeited_by", userID),
	)
	e.recordIfCompleted(ctx, upd)
	return upd, true, nil
}

func (e *Engine) recordIfCompleted(ctx context.Context, s *session.Session) {
	if e.recorder == nil || s == nil || !s.Completed() {
		return
	}
	if err := e.recorder.SaveResult(ctx, s); err != nil {
		obslog.L().Error("result_persist_error", zap.String("session_id", s.ID), zap.Error(err))
	}
}
