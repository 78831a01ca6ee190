// Package logger constructs the zerolog.Logger shared by every ratethrottle
// component, following the teacher's console-writer-plus-timestamp
// convention.
package logger

import (
	"os"

	"github.com/AlfredDev/ratethrottle/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. The base level is debug in
// development environments and info everywhere else; any cfg.LogLevel that
// zerolog.ParseLevel accepts (including the empty string and Config's
// default "info") replaces that base level.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
