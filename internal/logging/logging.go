// Package logging configures the process-wide structured logger. The
// teacher and djryanj-media-viewer both log through stdlib `log`; this
// pipeline instead wires github.com/rs/zerolog so every job-loop log line
// carries job_id/kind/owner as structured fields instead of string
// interpolation, which matters once dozens of workers interleave output.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. Call Init once at startup; packages that
// need a logger before Init runs (init-time package vars) fall back to a
// sane default.
var L = defaultLogger()

func defaultLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// Init (re)configures L from LOG_LEVEL and LOG_FORMAT environment
// variables ("debug"|"info"|"warn"|"error", "json"|"console"), following
// the teacher's own env-driven logging setup in internal/logging (the
// djryanj-media-viewer pack member).
func Init() {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		L = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	L = zerolog.New(writer).With().Timestamp().Logger()
}

// ForJob attaches the job's identifying fields to a derived logger, used
// by internal/worker before dispatching to a handler and by the handlers.
func ForJob(jobID int64, kind string, owner string) zerolog.Logger {
	return L.With().Int64("job_id", jobID).Str("kind", kind).Str("owner", owner).Logger()
}
