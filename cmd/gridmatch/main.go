// Command gridmatch runs headless matches against a shared Redis store:
// two bot clients per match are queued, paired, and play random legal moves
// to completion. Used as the demo and soak mode for the synchronization
// core; every component runs exactly as it would under a real view.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/client"
	"github.com/jykim-dev/gridmatch/internal/clock"
	appcfg "github.com/jykim-dev/gridmatch/internal/config"
	"github.com/jykim-dev/gridmatch/internal/game"
	"github.com/jykim-dev/gridmatch/internal/history"
	"github.com/jykim-dev/gridmatch/internal/matchmaking"
	"github.com/jykim-dev/gridmatch/internal/msgcat"
	"github.com/jykim-dev/gridmatch/internal/obslog"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/status"
	"github.com/jykim-dev/gridmatch/internal/store"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	rs, err := store.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	defer rs.Close()

	clk := clock.Real()
	eng := game.NewEngine(rs.Sessions, clk, cfg.TurnTimeout)
	if cfg.DatabaseURL != "" {
		repo, err := history.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history repo init error: %v", err)
		}
		defer repo.Close()
		eng.AttachRecorder(repo)
	}
	mm := matchmaking.NewManager(rs.Queue, rs.Sessions, clk, cfg.QueueEntryTTL, cfg.HeartbeatInterval)

	cat, err := msgcat.New(strings.TrimSpace(os.Getenv("MESSAGE_DIR")))
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	counters := &status.Counters{}
	if cfg.StatusAddr != "" {
		go func() {
			if err := status.NewServer(cfg.StatusAddr, counters).Run(ctx); err != nil {
				obslog.L().Error("status_server_error", zap.Error(err))
			}
		}()
	}

	// queue hygiene while the runner is up
	go func() {
		t := time.NewTicker(cfg.QueueEntryTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := mm.Expire(ctx); err != nil && ctx.Err() == nil {
					obslog.L().Warn("queue_sweep_error", zap.Error(err))
				}
			}
		}
	}()

	matches := envInt("MATCHES", 1)
	for i := 0; i < matches && ctx.Err() == nil; i++ {
		counters.MatchesStarted.Add(1)
		if err := runMatch(ctx, i, rs, eng, mm, clk, cfg, cat, counters); err != nil {
			obslog.L().Error("match_error", zap.Int("match", i), zap.Error(err))
			continue
		}
		counters.MatchesCompleted.Add(1)
	}
	obslog.L().Info("runner_done",
		zap.Int64("started", counters.MatchesStarted.Load()),
		zap.Int64("completed", counters.MatchesCompleted.Load()),
	)
}

func runMatch(ctx context.Context, n int, rs *store.Redis, eng *game.Engine, mm *matchmaking.Manager, clk clock.Clock, cfg *appcfg.AppConfig, cat *msgcat.Catalog, counters *status.Counters) error {
	userA := fmt.Sprintf("bot-%d-a", n)
	userB := fmt.Sprintf("bot-%d-b", n)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, user := range []string{userA, userB} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if err := runPlayer(ctx, user, rs, eng, mm, clk, cfg, cat, counters); err != nil {
				errs <- fmt.Errorf("%s: %w", user, err)
			}
		}(user)
	}
	wg.Wait()
	close(errs)
	return errors.Join(collect(errs)...)
}

func runPlayer(ctx context.Context, user string, rs *store.Redis, eng *game.Engine, mm *matchmaking.Manager, clk clock.Clock, cfg *appcfg.AppConfig, cat *msgcat.Catalog, counters *status.Counters) error {
	if _, err := mm.Enqueue(ctx, user); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	sid, err := mm.TryMatch(ctx, user)
	if err != nil {
		return fmt.Errorf("try match: %w", err)
	}
	if sid == "" {
		sid, err = mm.WaitForMatch(ctx, user)
		if err != nil {
			return fmt.Errorf("wait for match: %w", err)
		}
	}

	c, err := client.Attach(ctx, rs.Sessions, rs.Presence, eng, clk, client.Config{
		SessionID:         sid,
		UserID:            user,
		PresenceTTL:       cfg.PresenceTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Grace:             cfg.PresenceGrace,
		Poll:              cfg.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Finished():
			snap := c.Snapshot()
			if snap.Session.ForfeitedBy != "" {
				counters.Forfeits.Add(1)
			}
			banner, err := cat.OutcomeBanner(snap.Outcome)
			if err != nil {
				banner = string(snap.Outcome)
			}
			obslog.L().Info("match_finished",
				zap.String("session_id", sid),
				zap.String("user_id", user),
				zap.String("banner", banner),
			)
			return nil
		case snap := <-c.Updates():
			if snap.Session.Status != session.StatusActive || snap.Session.CurrentTurn != snap.Role {
				continue
			}
			cell, ok := randomEmptyCell(snap.Session.Board)
			if !ok {
				continue
			}
			if err := c.MakeMove(ctx, cell); err != nil {
				if game.IsRejection(err) {
					continue // stale view; the adopted record drives the next pick
				}
				return fmt.Errorf("make move: %w", err)
			}
			counters.MovesApplied.Add(1)
		}
	}
}

func randomEmptyCell(b session.Board) (int, bool) {
	var empty []int
	for i, c := range b {
		if c == session.SymbolNone {
			empty = append(empty, i)
		}
	}
	if len(empty) == 0 {
		return 0, false
	}
	return empty[rand.Intn(len(empty))], true
}

func collect(errs <-chan error) []error {
	var out []error
	for err := range errs {
		out = append(out, err)
	}
	return out
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
