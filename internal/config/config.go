package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the process configuration, loaded from the environment.
type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	// TurnTimeout is the per-turn deadline persisted on the session record.
	TurnTimeout time.Duration
	// PresenceGrace is how long an absent opponent is tolerated before the
	// detector writes a forfeit.
	PresenceGrace time.Duration
	// PresenceTTL is the lifetime of a single liveness signal.
	PresenceTTL time.Duration
	// HeartbeatInterval refreshes presence and queue-entry expiry. Must be
	// comfortably below PresenceTTL.
	HeartbeatInterval time.Duration
	// QueueEntryTTL is the logical expiry window of a matchmaking entry.
	QueueEntryTTL time.Duration

	// StatusAddr, when set, serves the ops status endpoint (cmd/gridmatch).
	StatusAddr string
}

// Load reads configuration from the environment, applying defaults and
// validating required values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		TurnTimeout:       30 * time.Second,
		PresenceGrace:     5 * time.Second,
		PresenceTTL:       10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		QueueEntryTTL:     60 * time.Second,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.StatusAddr = strings.TrimSpace(os.Getenv("STATUS_ADDR"))

	if d, ok := durationEnv("TURN_TIMEOUT"); ok {
		cfg.TurnTimeout = d
	}
	if d, ok := durationEnv("PRESENCE_GRACE"); ok {
		cfg.PresenceGrace = d
	}
	if d, ok := durationEnv("PRESENCE_TTL"); ok {
		cfg.PresenceTTL = d
	}
	if d, ok := durationEnv("HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = d
	}
	if d, ok := durationEnv("QUEUE_ENTRY_TTL"); ok {
		cfg.QueueEntryTTL = d
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.HeartbeatInterval >= cfg.PresenceTTL {
		return nil, errors.New("HEARTBEAT_INTERVAL must be below PRESENCE_TTL")
	}
	return cfg, nil
}

// durationEnv accepts either a Go duration ("45s") or bare seconds ("45").
func durationEnv(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
