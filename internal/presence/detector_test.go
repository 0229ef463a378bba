package presence

import (
	"context"
	"testing"
	"time"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/game"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

func newTestDetector(t *testing.T) (*Detector, *game.Engine, *store.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	eng := game.NewEngine(st.Sessions, clk, 30*time.Second)

	ctx := context.Background()
	if err := st.Sessions.Create(ctx, session.New("g1", "u1", "u2", clk.Now())); err != nil { t.Fatalf("Create: %v", err) }
	eng.SetCoinFlip(func() bool { return true })
	if _, err := eng.AssignSymbols(ctx, "g1"); err != nil { t.Fatalf("AssignSymbols: %v", err) }

	d := NewDetector(st.Presence, eng, clk, DetectorConfig{
		SessionID:  "g1",
		SelfID:     "u1",
		OpponentID: "u2",
		Grace:      5 * time.Second,
		Poll:       time.Second,
	})
	return d, eng, st, clk
}

// advanceUntil steps the fake clock until the probe closes or a real-time
// budget runs out. Each step is one poll interval so the detector goroutine
// observes every state it would in production.
func advanceUntil(t *testing.T, clk *clock.Fake, done <-chan struct{}, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		select {
		case <-done:
			return
		case <-time.After(20 * time.Millisecond):
			clk.Advance(time.Second)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("detector never resolved")
	}
}

func TestDetectorForfeitsAfterGraceLapses(t *testing.T) {
	d, _, st, clk := newTestDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// opponent never shows a signal
	resolved := make(chan *session.Session, 1)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, func(s *session.Session) { resolved <- s })
		close(done)
	}()

	advanceUntil(t, clk, done, 20)

	s := <-resolved
	if s.ForfeitedBy != "u2" || s.Status != session.StatusCompleted {
		t.Fatalf("expected absent opponent forfeit, got %+v", s)
	}

	cur, err := st.Sessions.Get(ctx, "g1")
	if err != nil { t.Fatalf("Get: %v", err) }
	if cur.ForfeitedBy != "u2" { t.Fatalf("store disagrees: %+v", cur) }
}

func TestDetectorDisarmsOnReappearance(t *testing.T) {
	d, _, st, clk := newTestDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, nil)
		close(done)
	}()

	// absent for part of the grace window, then the signal returns and stays
	step := func() {
		time.Sleep(20 * time.Millisecond)
		clk.Advance(time.Second)
	}
	step()
	step() // two absent polls: grace armed, not yet lapsed
	for i := 0; i < 10; i++ {
		if err := st.Presence.Touch(ctx, "g1", "u2", 10*time.Second); err != nil { t.Fatalf("Touch: %v", err) }
		step()
	}

	select {
	case <-done:
		t.Fatalf("detector resolved despite reappearance")
	default:
	}
	cur, err := st.Sessions.Get(ctx, "g1")
	if err != nil { t.Fatalf("Get: %v", err) }
	if cur.Completed() { t.Fatalf("reappearance still forfeited: %+v", cur) }

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("detector did not stop on cancel")
	}
}

func TestDetectorAdoptsForeignTerminalWrite(t *testing.T) {
	d, eng, _, clk := newTestDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the opponent quit voluntarily before the grace window lapsed
	if _, _, err := eng.Forfeit(ctx, "g1", "u2"); err != nil { t.Fatalf("Forfeit: %v", err) }

	resolved := make(chan *session.Session, 1)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, func(s *session.Session) { resolved <- s })
		close(done)
	}()

	advanceUntil(t, clk, done, 20)

	s := <-resolved
	if s.ForfeitedBy != "u2" || s.Version != 2 {
		t.Fatalf("expected the existing terminal record, got %+v", s)
	}
}

func TestTrackerPublishesAndClearsSignal(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	tr := NewTracker(st.Presence, clk, 10*time.Second, 3*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, "g1", "u1")
		close(done)
	}()

	waitAlive := func(want bool, msg string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			alive, err := st.Presence.Alive(context.Background(), "g1", "u1")
			if err != nil { t.Fatalf("Alive: %v", err) }
			if alive == want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("%s", msg)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitAlive(true, "signal never published")

	// refreshes keep the signal alive past its own ttl
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		clk.Advance(3 * time.Second)
	}
	waitAlive(true, "signal lapsed despite refreshes")

	cancel()
	<-done
	waitAlive(false, "signal not cleared on shutdown")
}
