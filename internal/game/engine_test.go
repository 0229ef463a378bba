package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	eng := NewEngine(st.Sessions, clk, 30*time.Second)
	return eng, st, clk
}

func newActiveSession(t *testing.T, eng *Engine, st *store.Memory, clk *clock.Fake, headsP1X bool) *session.Session {
	t.Helper()
	ctx := context.Background()
	if err := st.Sessions.Create(ctx, session.New("g1", "u1", "u2", clk.Now())); err != nil { t.Fatalf("Create: %v", err) }
	eng.SetCoinFlip(func() bool { return headsP1X })
	s, err := eng.AssignSymbols(ctx, "g1")
	if err != nil { t.Fatalf("AssignSymbols: %v", err) }
	return s
}

func TestAssignSymbolsActivatesAndSetsFirstTurn(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	s := newActiveSession(t, eng, st, clk, false) // tails: P2 gets X

	if s.SymbolP1 != session.SymbolO || s.SymbolP2 != session.SymbolX {
		t.Fatalf("symbols wrong: p1=%q p2=%q", s.SymbolP1, s.SymbolP2)
	}
	if s.CurrentTurn != session.Player2 { t.Fatalf("X moves first: got %q", s.CurrentTurn) }
	if s.Status != session.StatusActive { t.Fatalf("expected ACTIVE, got %q", s.Status) }
	if !s.TurnDeadline.Equal(clk.Now().Add(30 * time.Second)) {
		t.Fatalf("deadline not armed: %v", s.TurnDeadline)
	}
}

func TestAssignSymbolsExactlyOnceUnderRace(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	ctx := context.Background()
	if err := st.Sessions.Create(ctx, session.New("g1", "u1", "u2", clk.Now())); err != nil { t.Fatalf("Create: %v", err) }

	// two engines with opposite flips racing on the same record
	engA, engB := eng, NewEngine(st.Sessions, clk, 30*time.Second)
	engA.SetCoinFlip(func() bool { return true })
	engB.SetCoinFlip(func() bool { return false })

	var wg sync.WaitGroup
	results := make([]*session.Session, 2)
	for i, e := range []*Engine{engA, engB} {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			s, err := e.AssignSymbols(ctx, "g1")
			if err != nil { t.Errorf("AssignSymbols: %v", err) }
			results[i] = s
		}(i, e)
	}
	wg.Wait()

	if results[0].SymbolP1 != results[1].SymbolP1 {
		t.Fatalf("assignments diverged: %q vs %q", results[0].SymbolP1, results[1].SymbolP1)
	}
	cur, err := st.Sessions.Get(ctx, "g1")
	if err != nil { t.Fatalf("Get: %v", err) }
	if cur.Version != 1 { t.Fatalf("expected exactly one assignment write, version %d", cur.Version) }
	if !cur.SymbolsAssigned() { t.Fatalf("symbols not assigned: %+v", cur) }
}

func TestApplyMoveRejections(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true) // P1=X, P1 on turn
	ctx := context.Background()

	if _, err := eng.ApplyMove(ctx, "g1", "u1", 9); err != ErrInvalidCell {
		t.Fatalf("expected ErrInvalidCell, got %v", err)
	}
	if _, err := eng.ApplyMove(ctx, "g1", "intruder", 0); err != ErrNotPlayer {
		t.Fatalf("expected ErrNotPlayer, got %v", err)
	}
	if _, err := eng.ApplyMove(ctx, "g1", "u2", 0); err != ErrNotYourTurn {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	if _, err := eng.ApplyMove(ctx, "g1", "u1", 4); err != nil { t.Fatalf("move: %v", err) }
	if _, err := eng.ApplyMove(ctx, "g1", "u2", 4); err != ErrCellOccupied {
		t.Fatalf("expected ErrCellOccupied, got %v", err)
	}

	// a rejection must not write
	cur, err := st.Sessions.Get(ctx, "g1")
	if err != nil { t.Fatalf("Get: %v", err) }
	if cur.Version != 2 { t.Fatalf("rejections wrote: version %d", cur.Version) }
}

func TestApplyMoveAlternatesTurnAndResetsDeadline(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true)
	ctx := context.Background()

	clk.Advance(10 * time.Second)
	s, err := eng.ApplyMove(ctx, "g1", "u1", 0)
	if err != nil { t.Fatalf("move: %v", err) }
	if s.CurrentTurn != session.Player2 { t.Fatalf("turn did not flip: %q", s.CurrentTurn) }
	if !s.TurnDeadline.Equal(clk.Now().Add(30 * time.Second)) {
		t.Fatalf("deadline not reset: %v", s.TurnDeadline)
	}
	if s.Board[0] != session.SymbolX { t.Fatalf("mark not placed: %q", s.Board[0]) }
}

func TestWinByLeftColumn(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true) // P1=X first
	ctx := context.Background()

	moves := []struct {
		user string
		cell int
	}{
		{"u1", 0}, {"u2", 1}, {"u1", 3}, {"u2", 2}, {"u1", 6},
	}
	var s *session.Session
	var err error
	for _, m := range moves {
		s, err = eng.ApplyMove(ctx, "g1", m.user, m.cell)
		if err != nil { t.Fatalf("move %s@%d: %v", m.user, m.cell, err) }
	}

	if s.Status != session.StatusCompleted || s.Winner != session.Player1 {
		t.Fatalf("expected P1 win, got status=%q winner=%q", s.Status, s.Winner)
	}
	if s.IsTie || s.ForfeitedBy != "" { t.Fatalf("win must be the only terminal cause: %+v", s) }
	if s.CurrentTurn != session.RoleNone || !s.TurnDeadline.IsZero() {
		t.Fatalf("turn state not cleared on completion: %+v", s)
	}

	// no moves after completion
	if _, err := eng.ApplyMove(ctx, "g1", "u2", 8); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive after completion, got %v", err)
	}
}

func TestTieOnFullBoard(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true)
	ctx := context.Background()

	// X O X / X O O / O X X — full, no line
	moves := []struct {
		user string
		cell int
	}{
		{"u1", 0}, {"u2", 1}, {"u1", 2},
		{"u2", 4}, {"u1", 3}, {"u2", 5},
		{"u1", 7}, {"u2", 6}, {"u1", 8},
	}
	var s *session.Session
	var err error
	for _, m := range moves {
		s, err = eng.ApplyMove(ctx, "g1", m.user, m.cell)
		if err != nil { t.Fatalf("move %s@%d: %v", m.user, m.cell, err) }
	}

	if s.Status != session.StatusCompleted || !s.IsTie {
		t.Fatalf("expected tie, got status=%q tie=%v", s.Status, s.IsTie)
	}
	if s.Winner != session.RoleNone || s.ForfeitedBy != "" {
		t.Fatalf("tie must be the only terminal cause: %+v", s)
	}
}

func TestForfeitExpiredTurn(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true) // u1 on turn
	ctx := context.Background()

	// before the deadline nothing happens
	_, applied, err := eng.ForfeitExpiredTurn(ctx, "g1")
	if err != nil { t.Fatalf("ForfeitExpiredTurn: %v", err) }
	if applied { t.Fatalf("forfeited before deadline") }

	clk.Advance(31 * time.Second)
	s, applied, err := eng.ForfeitExpiredTurn(ctx, "g1")
	if err != nil { t.Fatalf("ForfeitExpiredTurn#2: %v", err) }
	if !applied { t.Fatalf("expected forfeit past deadline") }
	if s.ForfeitedBy != "u1" || s.Status != session.StatusCompleted {
		t.Fatalf("expected u1 timeout forfeit, got %+v", s)
	}

	// both clients race to declare it; the second is a no-op
	s2, applied, err := eng.ForfeitExpiredTurn(ctx, "g1")
	if err != nil { t.Fatalf("ForfeitExpiredTurn#3: %v", err) }
	if applied { t.Fatalf("double forfeit applied") }
	if s2.Version != s.Version { t.Fatalf("no-op wrote: v%d vs v%d", s2.Version, s.Version) }
}

func TestExpiryLosesToAcceptedMove(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true)
	ctx := context.Background()

	clk.Advance(31 * time.Second)
	// the move lands first; the deadline it sets is in the future again
	if _, err := eng.ApplyMove(ctx, "g1", "u1", 0); err != nil { t.Fatalf("move: %v", err) }

	s, applied, err := eng.ForfeitExpiredTurn(ctx, "g1")
	if err != nil { t.Fatalf("ForfeitExpiredTurn: %v", err) }
	if applied { t.Fatalf("expiry fired against a refreshed deadline") }
	if s.Status != session.StatusActive { t.Fatalf("session not active: %q", s.Status) }
}

func TestVoluntaryForfeitIsIdempotent(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true)
	ctx := context.Background()

	s, applied, err := eng.Forfeit(ctx, "g1", "u2")
	if err != nil { t.Fatalf("Forfeit: %v", err) }
	if !applied || s.ForfeitedBy != "u2" { t.Fatalf("forfeit not applied: %+v", s) }

	// opponent disconnect write races in after the quit already landed
	s2, applied, err := eng.ForfeitAbsent(ctx, "g1", "u1")
	if err != nil { t.Fatalf("ForfeitAbsent: %v", err) }
	if applied { t.Fatalf("second terminal write applied") }
	if s2.ForfeitedBy != "u2" { t.Fatalf("terminal cause overwritten: %+v", s2) }
}

func TestForfeitRequiresPlayer(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	newActiveSession(t, eng, st, clk, true)

	if _, _, err := eng.Forfeit(context.Background(), "g1", "intruder"); err != ErrNotPlayer {
		t.Fatalf("expected ErrNotPlayer, got %v", err)
	}
}

type captureRecorder struct {
	mu    sync.Mutex
	saved []*session.Session
}

func (r *captureRecorder) SaveResult(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, s.Clone())
	return nil
}

func TestRecorderReceivesTerminalResult(t *testing.T) {
	eng, st, clk := newTestEngine(t)
	rec := &captureRecorder{}
	eng.AttachRecorder(rec)
	newActiveSession(t, eng, st, clk, true)

	if _, _, err := eng.Forfeit(context.Background(), "g1", "u1"); err != nil { t.Fatalf("Forfeit: %v", err) }

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.saved) != 1 || rec.saved[0].ForfeitedBy != "u1" {
		t.Fatalf("recorder missed terminal result: %+v", rec.saved)
	}
}
