// Package logging builds the *zap.Logger every other package accepts
// as an explicit constructor argument. There is no package-level
// global logger anywhere in this module: a component that needs to log
// takes a *zap.Logger, the way internal/taskmanager and
// internal/executor already do.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Development selects human-readable console output at Debug level
	// instead of JSON output at Info level.
	Development bool
	// Level overrides the default level ("debug", "info", "warn",
	// "error"). Empty keeps Development's default.
	Level string
}

// New builds a logger for process-wide use: JSON encoding at Info level
// for a production run, or console encoding at Debug level for local
// development, mirroring the two zap presets (NewProduction/
// NewDevelopment) the library itself ships, with Options.Level able to
// override either preset's default.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	return cfg.Build()
}
