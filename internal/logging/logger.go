// Package logging configures the process-wide zerolog logger and hands out
// component-scoped loggers to the rest of zipfuse.
package logging

import (
	"os"
	"strings"
	"time"

	stdlog "log"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is one of the five verbosity levels zipfuse accepts on -v/--verbose.
type Level int

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Init sets up the global zerolog logger at the given level.
func Init(level Level) {
	zerolog.TimeFieldFormat = time.RFC3339

	switch level {
	case TraceLevel:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case InfoLevel:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	ctx := zerolog.New(output).With().Timestamp()
	if level == TraceLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	log.Info().Msg("logger initialized")
}

// For returns a logger scoped to the named component, e.g. "tree", "commit".
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewSessionID mints a session identifier, one per mount, so every log line
// emitted for that mount can be grep'd out of a shared log stream.
func NewSessionID() string {
	return uuid.New().String()
}

// ForSession returns a component logger tagged with a mount's session ID.
func ForSession(component, sessionID string) zerolog.Logger {
	return log.With().Str("component", component).Str("session", sessionID).Logger()
}

// stdWriter adapts a zerolog logger to io.Writer so it can back a stdlog.Logger.
type stdWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx < len(msg)-2 {
		msg = msg[idx+2:]
	}
	w.logger.WithLevel(w.level).Msg(msg)
	return len(p), nil
}

// StdLogger returns a *log.Logger that routes through zerolog, for handing to
// go-fuse's fuse.MountOptions.Logger.
func StdLogger(component string, lvl Level) *stdlog.Logger {
	var zl zerolog.Level
	switch lvl {
	case TraceLevel:
		zl = zerolog.TraceLevel
	case DebugLevel:
		zl = zerolog.DebugLevel
	case InfoLevel:
		zl = zerolog.InfoLevel
	case WarnLevel:
		zl = zerolog.WarnLevel
	case ErrorLevel:
		zl = zerolog.ErrorLevel
	default:
		zl = zerolog.InfoLevel
	}

	return stdlog.New(stdWriter{logger: For(component), level: zl}, "", 0)
}
