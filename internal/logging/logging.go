// Package logging builds the process zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/policy"
)

// Config selects level, output format and redaction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Redact bool
	Out    io.Writer
}

// New returns a logger writing to cfg.Out (stderr by default).
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Out != nil {
		out = cfg.Out
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if cfg.Redact {
		out = redactingWriter{w: out}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop is used by components constructed without a logger.
func Nop() zerolog.Logger { return zerolog.Nop() }

type redactingWriter struct {
	w io.Writer
}

func (r redactingWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write([]byte(policy.RedactSecrets(string(p)))); err != nil {
		return 0, err
	}
	// Report the original length; zerolog treats short writes as errors.
	return len(p), nil
}
