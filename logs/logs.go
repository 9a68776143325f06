// Package logs builds the process logger.
package logs

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

const ServiceName = "mini-comms"

// New returns a JSON logger writing to w that stamps every entry with the
// service name and a timestamp. Unknown levels fall back to info.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		With().
		Str("service", ServiceName).
		Timestamp().
		Logger().
		Level(ParseLevel(level))
}

func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Component derives the logger of one component.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
