package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Advance releases every timer
// and ticker whose due time has been reached, in order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at       time.Time
	ch       chan time.Time
	interval time.Duration // 0 for one-shot timers
	stopped  bool
}

// NewFake returns a fake clock pinned at start.
func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clk: f, w: w}
}

// Advance moves the clock forward, firing due timers and tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		for !w.at.After(f.now) {
			select {
			case w.ch <- w.at:
			default:
			}
			if w.interval <= 0 {
				break
			}
			w.at = w.at.Add(w.interval)
		}
		if w.interval > 0 || w.at.After(f.now) {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

type fakeTicker struct {
	clk *Fake
	w   *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clk.mu.Lock()
	t.w.stopped = true
	t.clk.mu.Unlock()
}
