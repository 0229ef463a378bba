package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/game"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

// DetectorConfig binds a detector to one session from one player's side.
type DetectorConfig struct {
	SessionID  string
	SelfID     string
	OpponentID string

	// Grace is how long the opponent may stay absent before forfeiting.
	Grace time.Duration
	// Poll is the signal check interval.
	Poll time.Duration
}

// Detector watches the opponent's liveness signal. Absence arms a grace
// timer; reappearance before it fires disarms it with no write. If the
// grace window lapses, the detector issues the guarded forfeit — so even
// when both sides (or the quitter itself) race to declare it, at most one
// write lands.
type Detector struct {
	presence store.PresenceStore
	engine   *game.Engine
	clk      clock.Clock
	cfg      DetectorConfig
}

func NewDetector(p store.PresenceStore, eng *game.Engine, clk clock.Clock, cfg DetectorConfig) *Detector {
	return &Detector{presence: p, engine: eng, clk: clk, cfg: cfg}
}

// Run polls until ctx is cancelled or a forfeit resolves the session. The
// resulting record (whether this detector's write won or another writer's
// did) is delivered through onResolved.
func (d *Detector) Run(ctx context.Context, onResolved func(*session.Session)) {
	tick := d.clk.NewTicker(d.cfg.Poll)
	defer tick.Stop()

	var graceDeadline time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C():
		}

		alive, err := d.presence.Alive(ctx, d.cfg.SessionID, d.cfg.OpponentID)
		if err != nil {
			if ctx.Err() == nil {
				obslog.L().Warn("presence_check_error", zap.String("session_id", d.cfg.SessionID), zap.Error(err))
			}
			continue
		}
		if alive {
			if !graceDeadline.IsZero() {
				obslog.L().Info("opponent_reappeared", zap.String("session_id", d.cfg.SessionID))
				graceDeadline = time.Time{}
			}
			continue
		}

		now := d.clk.Now()
		if graceDeadline.IsZero() {
			graceDeadline = now.Add(d.cfg.Grace)
			obslog.L().Info("opponent_missing",
				zap.String("session_id", d.cfg.SessionID),
				zap.Duration("grace", d.cfg.Grace),
			)
			continue
		}
		if now.Before(graceDeadline) {
			continue
		}

		cur, applied, err := d.engine.ForfeitAbsent(ctx, d.cfg.SessionID, d.cfg.OpponentID)
		if err != nil {
			if ctx.Err() == nil {
				obslog.L().Warn("presence_forfeit_error", zap.String("session_id", d.cfg.SessionID), zap.Error(err))
			}
			continue
		}
		if applied {
			obslog.L().Info("opponent_forfeited_absent",
				zap.String("session_id", d.cfg.SessionID),
				zap.String("opponent_id", d.cfg.OpponentID),
			)
		}
		// guard failure means the session already completed another way;
		// either way the record is terminal now
		if onResolved != nil {
			onResolved(cur)
		}
		return
	}
}
