// Package history archives completed sessions in Postgres. The archive is
// an optional attachment; protocol correctness never depends on it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/jykim-dev/gridmatch/internal/session"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a terminal session. Completed sessions carry exactly
// one of winner/tie/forfeit, which maps to the result column.
func (r *Repository) SaveResult(ctx context.Context, s *session.Session) error {
	if r == nil || r.db == nil || s == nil || !s.Completed() {
		return nil
	}

	result, winnerID := resultOf(s)
	boardRaw, err := json.Marshal(s.Board)
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	duration := s.UpdatedAt.Sub(s.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const q = `INSERT INTO match_results (
	    session_id, player_1, player_2, symbol_p1, symbol_p2,
	    board, result, winner_id, forfeited_by,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	  ) ON CONFLICT (session_id) DO UPDATE SET
	    board=EXCLUDED.board,
	    result=EXCLUDED.result,
	    winner_id=EXCLUDED.winner_id,
	    forfeited_by=EXCLUDED.forfeited_by,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		s.ID,
		s.Player1ID, s.Player2ID,
		string(s.SymbolP1), string(s.SymbolP2),
		string(boardRaw),
		result, winnerID, s.ForfeitedBy,
		s.CreatedAt, s.UpdatedAt, duration,
	)
	if err != nil {
		return fmt.Errorf("upsert match result: %w", err)
	}
	return nil
}

func resultOf(s *session.Session) (result, winnerID string) {
	switch {
	case s.ForfeitedBy != "":
		return "forfeit", s.OpponentOf(s.ForfeitedBy)
	case s.IsTie:
		return "tie", ""
	case s.Winner != session.RoleNone:
		return "win", s.PlayerID(s.Winner)
	}
	return "unknown", ""
}
