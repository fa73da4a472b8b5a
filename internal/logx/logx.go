/*
Package logx wraps zerolog for the chat server.

It initialises the global logger (console output in development, JSON in
production) and offers key/value helpers so call sites do not have to build
zerolog events by hand.
*/
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitGlobalLogger configures the global zerolog instance.
// Development: debug level, human-readable console output on stderr.
// Production: info level, JSON on stdout.
func InitGlobalLogger(isDevelopment bool) {
	var out io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if isDevelopment {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		level = zerolog.DebugLevel
	}
	SetOutput(out, level)
}

// SetOutput points the global logger at w. Tests use it to capture or
// silence log output.
func SetOutput(w io.Writer, level zerolog.Level) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// checkFields drops an odd-length field list instead of letting zerolog
// pair keys with the wrong values.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msg("logx call received odd number of fields, fields ignored")
		return nil
	}
	return fields
}

// Info logs msg at info level with key/value fields.
func Info(msg string, fields ...any) {
	Logger().Info().Fields(checkFields("info", fields)).CallerSkipFrame(1).Msg(msg)
}

// Warn logs msg at warn level with key/value fields.
func Warn(msg string, fields ...any) {
	Logger().Warn().Fields(checkFields("warn", fields)).CallerSkipFrame(1).Msg(msg)
}

// Error logs err and msg at error level with key/value fields.
func Error(err error, msg string, fields ...any) {
	Logger().Error().Err(err).Fields(checkFields("error", fields)).CallerSkipFrame(1).Msg(msg)
}
