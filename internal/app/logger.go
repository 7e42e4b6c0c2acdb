package app

import (
	"log/slog"
	"os"
)

// NewLogger returns the process logger. Production runs emit JSON; the
// default text handler keeps local output readable. Source locations are
// recorded either way since schedule errors are diagnosed from logs.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
