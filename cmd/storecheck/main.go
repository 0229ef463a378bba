// Command storecheck probes the external stores: it pings Redis, runs a
// conditional-write round trip on a scratch session, and optionally pings
// Postgres. Exits non-zero on failure.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jykim-dev/gridmatch/internal/clock"
	"github.com/jykim-dev/gridmatch/internal/history"
	"github.com/jykim-dev/gridmatch/internal/session"
	"github.com/jykim-dev/gridmatch/internal/store"
)

func main() {
	redisURL := os.Getenv("REDIS_URL")
	databaseURL := os.Getenv("DATABASE_URL")

	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	rs, err := store.NewRedis(redisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rs.Close()
	log.Println("redis ping ok")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := session.New("probe-"+uuid.NewString(), "probe-a", "probe-b", clock.Real().Now())
	if err := rs.Sessions.Create(ctx, probe); err != nil {
		log.Fatalf("create probe session: %v", err)
	}
	upd, err := rs.Sessions.Update(ctx, probe.ID, func(s *session.Session) error {
		if s.Completed() {
			return store.ErrGuardFailed
		}
		s.Status = session.StatusCompleted
		s.ForfeitedBy = "probe-a"
		return nil
	})
	if err != nil {
		log.Fatalf("conditional update: %v", err)
	}
	if upd.Version != probe.Version+1 {
		log.Fatalf("version did not advance: %d -> %d", probe.Version, upd.Version)
	}
	log.Println("conditional write round trip ok")

	if databaseURL == "" {
		log.Println("DATABASE_URL not set; skipping Postgres check")
		return
	}
	repo, err := history.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer repo.Close()
	log.Println("postgres ping ok")
}
