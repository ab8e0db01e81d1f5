// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
	FormatText    = "text"
)

// New returns a logger writing to w at the given level. An empty level
// means info; console format renders human-readable lines.
func New(w io.Writer, level, format, service string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parsing log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch format {
	case "", FormatJSON:
	case FormatConsole, FormatText:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if service != "" {
		logger = logger.With().Str("service", service).Logger()
	}
	return logger, nil
}
