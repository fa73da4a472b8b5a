package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (cmd/server)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv overlays CHAT_* environment variables onto cfg. Empty
// variables leave the existing value alone; malformed ones are an error.
func LoadFromEnv(cfg *Config) error {
	return loadFrom(cfg, os.LookupEnv)
}

func loadFrom(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("CHAT_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := lookup("CHAT_ADMIN_ADDR"); ok {
		// Explicitly empty disables the admin listener.
		cfg.AdminAddr = strings.TrimSpace(v)
	}
	if v, ok := get("CHAT_ENV"); ok {
		cfg.Environment = v
	}
	if v, ok := get("CHAT_ROSTER_DRIVER"); ok {
		cfg.RosterDriver = v
	}
	if v, ok := get("CHAT_ROSTER_DSN"); ok {
		cfg.RosterDSN = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHAT_MAX_FRAME", &cfg.MaxFrameSize},
		{"CHAT_MAX_USERNAME", &cfg.MaxUsernameLen},
		{"CHAT_OUTBOUND_LIMIT", &cfg.OutboundQueueLimit},
		{"CHAT_ACCEPT_BURST", &cfg.AcceptBurst},
	}
	for _, f := range ints {
		if v, ok := get(f.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_PRESENCE_TIMEOUT", &cfg.PresenceTimeout},
		{"CHAT_OFFLINE_CLOSE_AFTER", &cfg.OfflineCloseAfter},
		{"CHAT_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"CHAT_SHUTDOWN_GRACE", &cfg.ShutdownGrace},
	}
	for _, f := range durations {
		if v, ok := get(f.key); ok {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = d
		}
	}

	if v, ok := get("CHAT_ACCEPT_RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHAT_ACCEPT_RATE: %w", err)
		}
		cfg.AcceptRate = r
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"CHAT_BROADCAST_ECHO", &cfg.BroadcastEcho},
		{"CHAT_TRUST_PROXY", &cfg.TrustProxy},
	}
	for _, f := range bools {
		if v, ok := get(f.key); ok {
			b, err := parseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = b
		}
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
