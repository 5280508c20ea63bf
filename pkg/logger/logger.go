// Package logger builds the zerolog logger used throughout the syncer daemon.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the process-wide logger is constructed.
type Config struct {
	// Level is one of zerolog's level names: "debug", "info", "warn",
	// "error", "fatal". Defaults to "info" when empty or unrecognized.
	Level string
	// Pretty enables the human-readable console writer instead of JSON.
	// Production deployments should leave this false.
	Pretty bool
}

// New builds a zerolog.Logger configured from cfg. It never fails: an
// unparsable level falls back to info so that logging can be constructed
// before configuration has been fully validated.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w = os.Stdout
	zerolog.TimeFieldFormat = time.RFC3339

	logCtx := zerolog.New(w).With().Timestamp()
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
	}

	return logCtx.Logger().Level(level)
}
