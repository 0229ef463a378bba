// Package status serves the ops-only health and counters endpoint for the
// match runner. It is not part of the game protocol surface.
package status

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/jykim-dev/gridmatch/internal/obslog"
)

// Counters tracks runner progress; all fields are safe for concurrent use.
type Counters struct {
	MatchesStarted   atomic.Int64
	MatchesCompleted atomic.Int64
	MovesApplied     atomic.Int64
	Forfeits         atomic.Int64
}

type countersView struct {
	MatchesStarted   int64 `json:"matches_started"`
	MatchesCompleted int64 `json:"matches_completed"`
	MovesApplied     int64 `json:"moves_applied"`
	Forfeits         int64 `json:"forfeits"`
}

// Server exposes /healthz and /stats.
type Server struct {
	addr     string
	counters *Counters
	srv      *fasthttp.Server
}

func NewServer(addr string, counters *Counters) *Server {
	s := &Server{addr: addr, counters: counters}
	s.srv = &fasthttp.Server{Handler: s.handle, Name: "gridmatch-status"}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe(s.addr) }()
	obslog.L().Info("status_listening", zap.String("addr", s.addr))
	select {
	case <-ctx.Done():
		_ = s.srv.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case "/stats":
		view := countersView{
			MatchesStarted:   s.counters.MatchesStarted.Load(),
			MatchesCompleted: s.counters.MatchesCompleted.Load(),
			MovesApplied:     s.counters.MovesApplied.Load(),
			Forfeits:         s.counters.Forfeits.Load(),
		}
		body, err := json.Marshal(view)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
