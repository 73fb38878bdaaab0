package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance shared by all packages.
var Log zerolog.Logger

func init() {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	// JSON output for production, pretty console output otherwise
	Log = zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Logger()

	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// With returns the global logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
