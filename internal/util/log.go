// Package util provides shared helpers.
package util

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the process-wide zerolog logger with a console
// writer on stderr. All internal packages log through the global logger.
func SetupLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "02 Jan 15:04:05",
	}).Level(level).With().Timestamp().Logger()
}
