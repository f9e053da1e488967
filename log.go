package onvif

import (
	"os"

	"github.com/rs/zerolog"
)

// Package logger. Quiet by default so the library stays silent unless
// the application opts in via SetLogger.
var log = zerolog.New(os.Stderr).With().Timestamp().Str("pkg", "onvif").
	Logger().Level(zerolog.WarnLevel)

// SetLogger replaces the package logger, e.g. to route discovery and
// dispatch traces into the application's zerolog tree. Call it during
// initialization, before any discovery or query runs: the logger is
// read without synchronization afterwards.
func SetLogger(l zerolog.Logger) {
	log = l
}
