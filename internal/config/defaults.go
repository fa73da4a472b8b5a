package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// Defaults are shared by Default(), the flag definitions and the env
// loader so there is one place to audit them.

const (
	DefaultListenAddr = ":8080"
	DefaultAdminAddr  = ":9090"

	DefaultEnvironment = "development"

	// DefaultMaxFrameSize bounds one frame payload in either direction.
	DefaultMaxFrameSize = 64 * 1024

	// DefaultPresenceTimeout is how long a non-offline session may stay
	// silent before its supervisor marks it offline.
	DefaultPresenceTimeout = 60 * time.Second

	DefaultWriteTimeout = 10 * time.Second

	// DefaultOutboundQueueLimit is how many undelivered responses a session
	// may accumulate before it is treated as a failed connection.
	DefaultOutboundQueueLimit = 1024

	DefaultAcceptBurst = 10

	DefaultMaxUsernameLen = 32

	// DefaultShutdownGrace bounds how long Stop waits for sessions to drain.
	DefaultShutdownGrace = 5 * time.Second
)

// Default returns a Config populated with every default.
func Default() Config {
	return Config{
		ListenAddr:         DefaultListenAddr,
		AdminAddr:          DefaultAdminAddr,
		Environment:        DefaultEnvironment,
		MaxFrameSize:       DefaultMaxFrameSize,
		PresenceTimeout:    DefaultPresenceTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		OutboundQueueLimit: DefaultOutboundQueueLimit,
		BroadcastEcho:      true,
		AcceptBurst:        DefaultAcceptBurst,
		MaxUsernameLen:     DefaultMaxUsernameLen,
		ShutdownGrace:      DefaultShutdownGrace,
	}
}
