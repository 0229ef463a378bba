package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jykim-dev/gridmatch/internal/session"
)

func TestOutcomeBanners(t *testing.T) {
	c, err := New("")
	if err != nil { t.Fatalf("New: %v", err) }

	cases := map[session.Outcome]string{
		session.OutcomeWin:         "You Win!",
		session.OutcomeLoss:        "You Lost!",
		session.OutcomeTie:         "It's a Tie!",
		session.OutcomeForfeitWin:  "Your Opponent Forfeited! You Win!",
		session.OutcomeForfeitLoss: "Time Expired! You Lose!",
	}
	for o, want := range cases {
		got, err := c.OutcomeBanner(o)
		if err != nil { t.Fatalf("OutcomeBanner(%s): %v", o, err) }
		if got != want { t.Fatalf("OutcomeBanner(%s) = %q, want %q", o, got, want) }
	}

	if _, err := c.OutcomeBanner(session.OutcomeNone); err == nil {
		t.Fatalf("expected error for missing outcome")
	}
}

func TestRenderTemplateData(t *testing.T) {
	c, err := New("")
	if err != nil { t.Fatalf("New: %v", err) }

	got, err := c.Render("turn.yours", map[string]any{"Seconds": 12})
	if err != nil { t.Fatalf("Render: %v", err) }
	if !strings.Contains(got, "12s") { t.Fatalf("countdown not rendered: %q", got) }

	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestOverrideDirReplacesKeys(t *testing.T) {
	dir := t.TempDir()
	override := "outcome:\n  win: \"Victory\"\n"
	if err := os.WriteFile(filepath.Join(dir, "10-local.yaml"), []byte(override), 0o644); err != nil { t.Fatalf("write override: %v", err) }

	c, err := New(dir)
	if err != nil { t.Fatalf("New: %v", err) }

	got, err := c.OutcomeBanner(session.OutcomeWin)
	if err != nil { t.Fatalf("OutcomeBanner: %v", err) }
	if got != "Victory" { t.Fatalf("override not applied: %q", got) }

	// untouched keys keep their defaults
	got, err = c.OutcomeBanner(session.OutcomeTie)
	if err != nil { t.Fatalf("OutcomeBanner tie: %v", err) }
	if got != "It's a Tie!" { t.Fatalf("default lost: %q", got) }
}
