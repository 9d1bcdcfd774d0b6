// Package logging configures the zerolog console logger shared by the commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the level given on the command line.
const EnvLogLevel = "LEROBOT_LOG_LEVEL"

// ParseLevel maps a level name to a zerolog level. Unknown names yield info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a console logger writing to w.
func New(w io.Writer, level string) zerolog.Logger {
	if env, ok := os.LookupEnv(EnvLogLevel); ok && env != "" {
		level = env
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.TimeOnly,
	}
	return zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Logger()
}
