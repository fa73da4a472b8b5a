// Package config defines the runtime configuration of the chat server.
package config

import (
	"fmt"
	"net"
	"time"
)

// Config holds every tuneable of one server process.
type Config struct {
	// ── Listeners ────────────────────────────────────────────────────
	ListenAddr  string // framed TCP protocol
	AdminAddr   string // health, metrics, roster and WebSocket; empty disables
	Environment string // "development" or "production"

	// ── Protocol ─────────────────────────────────────────────────────
	MaxFrameSize   int
	MaxUsernameLen int
	WriteTimeout   time.Duration

	// ── Presence ─────────────────────────────────────────────────────
	PresenceTimeout   time.Duration
	OfflineCloseAfter time.Duration // 0 keeps offline sessions open

	// ── Delivery ─────────────────────────────────────────────────────
	OutboundQueueLimit int
	BroadcastEcho      bool // sender receives its own broadcasts

	// ── Admission ────────────────────────────────────────────────────
	AcceptRate  float64 // new connections per second per IP; 0 disables
	AcceptBurst int
	TrustProxy  bool // take the admin client IP from X-Forwarded-For / X-Real-IP

	// ── Roster persistence ───────────────────────────────────────────
	RosterDriver string // "sqlite3", "pgx" or empty
	RosterDSN    string

	ShutdownGrace time.Duration
}

// IsDevelopment reports whether the process runs in the development
// environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("invalid admin address %q: %w", c.AdminAddr, err)
		}
	}
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}

	if c.MaxFrameSize < 64 {
		return fmt.Errorf("max frame size %d is too small (minimum 64)", c.MaxFrameSize)
	}
	if c.MaxUsernameLen < 1 {
		return fmt.Errorf("max username length must be positive")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative")
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("presence timeout must be positive")
	}
	if c.OfflineCloseAfter < 0 {
		return fmt.Errorf("offline close delay must not be negative")
	}
	if c.OutboundQueueLimit < 1 {
		return fmt.Errorf("outbound queue limit must be positive")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept rate must not be negative")
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("accept burst must be positive when accept rate is set")
	}

	switch c.RosterDriver {
	case "":
		if c.RosterDSN != "" {
			return fmt.Errorf("roster DSN given without a roster driver")
		}
	case "sqlite3", "pgx":
		if c.RosterDSN == "" {
			return fmt.Errorf("roster driver %q requires a DSN", c.RosterDriver)
		}
	default:
		return fmt.Errorf("unsupported roster driver %q (want sqlite3 or pgx)", c.RosterDriver)
	}
	return nil
}
