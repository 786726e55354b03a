// FILE: logging.go
// Package main – zerolog logger construction (SPEC_FULL.md Ambient Stack).
// Console writer in development, plain JSON lines when LOG_JSON is set, so
// container log collectors get structured output in production.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide logger per the resolved Settings.
func NewLogger(s Settings) zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.LogJSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Logger()
}
