// Package obs provides the gateway's logger initialization, shared by
// every cmd/* binary.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// InitLogger initializes and returns a zerolog logger. It mirrors the
// teacher's internal/util.InitLogger: pretty console output when stdout
// is a terminal, structured JSON otherwise.
func InitLogger(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
