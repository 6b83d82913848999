// Package logging configures the global zerolog logger shared by both relay
// binaries, with optional lumberjack file rotation. Adapted from
// cortexuvula-clawreachbridge/internal/logging/logger.go's
// Setup/SetupHandler shape, retargeted from log/slog to zerolog (the stack
// go-core-stack-mcp-auth-proxy's own packages use for structured logging).
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global zerolog logger from level/format/file settings
// and returns the lumberjack logger (nil if logging to stdout) so the
// caller can Close it on shutdown.
func Setup(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *lumberjack.Logger {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if file != "" {
		lj = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		}
		w = lj
	}

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return lj
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
