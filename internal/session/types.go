package session

import (
	"strings"
	"time"
)

// Symbol is a board mark. The empty value is an unclaimed cell.
type Symbol string

const (
	SymbolNone Symbol = ""
	SymbolX    Symbol = "X"
	SymbolO    Symbol = "O"
)

// Role identifies a seat in the session, independent of which user sits there.
type Role string

const (
	RoleNone Role = ""
	Player1  Role = "player_1"
	Player2  Role = "player_2"
)

// Other returns the opposing seat.
func (r Role) Other() Role {
	switch r {
	case Player1:
		return Player2
	case Player2:
		return Player1
	}
	return RoleNone
}

// Status represents the session lifecycle state. Transitions are monotonic:
// WAITING → ACTIVE → COMPLETED, never backwards.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
)

// rank orders statuses for stale-update rejection in feed reducers.
func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// Before reports whether s is an earlier lifecycle state than other.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// Board is the 3x3 grid in row-major order.
type Board [9]Symbol

var winningLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// Winner returns the symbol completing any of the 8 lines, or SymbolNone.
func (b Board) Winner() Symbol {
	for _, ln := range winningLines {
		if b[ln[0]] != SymbolNone && b[ln[0]] == b[ln[1]] && b[ln[0]] == b[ln[2]] {
			return b[ln[0]]
		}
	}
	return SymbolNone
}

// Full reports whether every cell is claimed.
func (b Board) Full() bool {
	for _, c := range b {
		if c == SymbolNone {
			return false
		}
	}
	return true
}

// Moves counts claimed cells, used as the per-move version token.
func (b Board) Moves() int {
	n := 0
	for _, c := range b {
		if c != SymbolNone {
			n++
		}
	}
	return n
}

// Session is the shared record both clients coordinate through. It is only
// ever mutated via guarded store updates; Version increments on every
// applied write so feed consumers can discard stale snapshots.
type Session struct {
	ID           string    `json:"id"`
	Player1ID    string    `json:"player_1"`
	Player2ID    string    `json:"player_2,omitempty"`
	Board        Board     `json:"board"`
	CurrentTurn  Role      `json:"current_turn,omitempty"`
	SymbolP1     Symbol    `json:"symbol_p1,omitempty"`
	SymbolP2     Symbol    `json:"symbol_p2,omitempty"`
	Winner       Role      `json:"winner,omitempty"`
	IsTie        bool      `json:"is_tie"`
	Status       Status    `json:"status"`
	ForfeitedBy  string    `json:"forfeited_by,omitempty"`
	TurnDeadline time.Time `json:"turn_deadline"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New returns a fresh session for a matched pair. Symbols are not assigned
// yet, so the session starts WAITING; the assignment write activates it.
func New(id, player1, player2 string, now time.Time) *Session {
	return &Session{
		ID:        strings.TrimSpace(id),
		Player1ID: strings.TrimSpace(player1),
		Player2ID: strings.TrimSpace(player2),
		Status:    StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RoleOf maps a user id to its seat, RoleNone if the user is not a player.
func (s *Session) RoleOf(userID string) Role {
	switch {
	case userID != "" && userID == s.Player1ID:
		return Player1
	case userID != "" && userID == s.Player2ID:
		return Player2
	}
	return RoleNone
}

// PlayerID returns the user id seated at role.
func (s *Session) PlayerID(role Role) string {
	switch role {
	case Player1:
		return s.Player1ID
	case Player2:
		return s.Player2ID
	}
	return ""
}

// OpponentOf returns the other player's user id.
func (s *Session) OpponentOf(userID string) string {
	return s.PlayerID(s.RoleOf(userID).Other())
}

// SymbolOf returns the symbol assigned to role, SymbolNone before assignment.
func (s *Session) SymbolOf(role Role) Symbol {
	switch role {
	case Player1:
		return s.SymbolP1
	case Player2:
		return s.SymbolP2
	}
	return SymbolNone
}

// SymbolsAssigned reports whether the one-time coin flip has been applied.
// The two symbol fields are set together or not at all.
func (s *Session) SymbolsAssigned() bool {
	return s.SymbolP1 != SymbolNone && s.SymbolP2 != SymbolNone
}

// Completed reports whether the session reached its terminal state.
func (s *Session) Completed() bool { return s.Status == StatusCompleted }

// Remaining derives the turn countdown from the replicated deadline. It is
// pinned to zero once the session completes or while no deadline is set.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.Completed() || s.TurnDeadline.IsZero() {
		return 0
	}
	if d := s.TurnDeadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Outcome is the terminal result from one player's point of view.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeWin         Outcome = "win"
	OutcomeLoss        Outcome = "loss"
	OutcomeTie         Outcome = "tie"
	OutcomeForfeitWin  Outcome = "forfeit_win"  // opponent forfeited or timed out
	OutcomeForfeitLoss Outcome = "forfeit_loss" // viewer forfeited or timed out
)

// OutcomeFor computes the viewer-relative result. Exactly one of winner,
// tie and forfeit holds on a completed session, so the branches are disjoint.
func (s *Session) OutcomeFor(userID string) Outcome {
	if !s.Completed() {
		return OutcomeNone
	}
	switch {
	case s.ForfeitedBy != "":
		if s.ForfeitedBy == userID {
			return OutcomeForfeitLoss
		}
		return OutcomeForfeitWin
	case s.IsTie:
		return OutcomeTie
	case s.Winner != RoleNone:
		if s.Winner == s.RoleOf(userID) {
			return OutcomeWin
		}
		return OutcomeLoss
	}
	return OutcomeNone
}

// QueueEntry is the matchmaking record, one live entry per user. The
// matching pass flips IsMatched and stamps GameID under a guard, which is
// the transition a waiting client subscribes for.
type QueueEntry struct {
	UserID     string    `json:"user_id"`
	IsMatched  bool      `json:"is_matched"`
	GameID     string    `json:"game_id,omitempty"`
	Expiry     time.Time `json:"expiry"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Version    int64     `json:"version"`
}

// Expired reports whether the entry is removable by the sweep predicate.
func (e *QueueEntry) Expired(now time.Time) bool {
	return !e.Expiry.IsZero() && now.After(e.Expiry)
}
