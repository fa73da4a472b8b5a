package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/andy6609/presence-chat/internal/config"
)

// parseFlags overlays command-line flags on cfg. Flag defaults are the
// values already in cfg, so a flag only wins when it is given explicitly.
// It reports whether the caller should exit right away (help was printed).
func parseFlags(cfg *config.Config, args []string) (bool, error) {
	fs := flag.NewFlagSet("chat-server", flag.ContinueOnError)

	// ── listeners ────────────────────────────────────────────────
	fs.StringVarP(&cfg.ListenAddr, "addr", "a", cfg.ListenAddr, "Framed TCP listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP admin/WebSocket address (empty disables)")
	fs.StringVar(&cfg.Environment, "env", cfg.Environment, "Environment: development or production")

	// ── protocol ─────────────────────────────────────────────────
	fs.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "Maximum frame payload in bytes")
	fs.IntVar(&cfg.MaxUsernameLen, "max-username", cfg.MaxUsernameLen, "Maximum username length in bytes")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-frame write deadline (0 disables)")

	// ── presence ─────────────────────────────────────────────────
	fs.DurationVar(&cfg.PresenceTimeout, "presence-timeout", cfg.PresenceTimeout, "Silence before a user is marked offline")
	fs.DurationVar(&cfg.OfflineCloseAfter, "offline-close-after", cfg.OfflineCloseAfter, "Close sessions offline and silent this long (0 keeps them)")

	// ── delivery ─────────────────────────────────────────────────
	fs.IntVar(&cfg.OutboundQueueLimit, "outbound-limit", cfg.OutboundQueueLimit, "Undelivered responses per session before it is dropped")
	fs.BoolVar(&cfg.BroadcastEcho, "broadcast-echo", cfg.BroadcastEcho, "Deliver broadcasts back to their sender")

	// ── admission ────────────────────────────────────────────────
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "New connections per second per IP (0 disables)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "Connection burst per IP")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Take admin client IPs from X-Forwarded-For/X-Real-IP (only behind a trusted proxy)")

	// ── roster persistence ───────────────────────────────────────
	fs.StringVar(&cfg.RosterDriver, "roster-driver", cfg.RosterDriver, "Roster database driver: sqlite3 or pgx")
	fs.StringVar(&cfg.RosterDSN, "roster-dsn", cfg.RosterDSN, "Roster database DSN")

	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Time allowed for sessions to drain on shutdown")

	var showHelp bool
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chat-server [flags]\n\nEvery flag can also be set through a CHAT_* environment variable.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if showHelp {
		fs.Usage()
		return true, nil
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return false, nil
}
