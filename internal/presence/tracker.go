// Package presence maintains per-session liveness signals and turns a
// persistently absent opponent into a guarded forfeit write.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/store"
)

// Tracker publishes this client's liveness signal: a TTL record refreshed on
// every tick. Losing connectivity simply lets the signal lapse, which the
// opponent's detector observes as absence.
type Tracker struct {
	presence store.PresenceStore
	clk      clock.Clock
	ttl      time.Duration
	interval time.Duration
}

func NewTracker(p store.PresenceStore, clk clock.Clock, ttl, interval time.Duration) *Tracker {
	return &Tracker{presence: p, clk: clk, ttl: ttl, interval: interval}
}

// Run heart-beats until ctx is cancelled, then clears the signal so a clean
// teardown reads as an immediate disappearance rather than a TTL lapse.
// Touch failures are transient: the next tick retries.
func (t *Tracker) Run(ctx context.Context, sessionID, userID string) {
	if err := t.presence.Touch(ctx, sessionID, userID, t.ttl); err != nil {
		obslog.L().Warn("presence_touch_error", zap.String("session_id", sessionID), zap.Error(err))
	}
	tick := t.clk.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = t.presence.Clear(cleanupCtx, sessionID, userID)
			cancel()
			return
		case <-tick.C():
			if err := t.presence.Touch(ctx, sessionID, userID, t.ttl); err != nil && ctx.Err() == nil {
				obslog.L().Warn("presence_touch_error", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
}
