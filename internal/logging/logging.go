// Package logging sets up the file-backed logger. A terminal UI owns
// stdout, so logs always go to a file in the profile directory.
package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// New opens (or creates) chat.log under dir and returns a logger plus a
// close func. On failure a no-op logger is returned so callers never have
// to branch.
func New(dir, level string) (zerolog.Logger, func()) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return zerolog.Nop(), func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, "chat.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), func() {}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(f).Level(lvl).With().Timestamp().Logger()
	return logger, func() { f.Close() }
}
