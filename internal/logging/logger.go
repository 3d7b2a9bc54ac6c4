// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for the given level name and format ("json" or
// "console"). verbose forces debug regardless of level. The returned
// AtomicLevel stays live: the config watcher uses it to change the level
// of a running process.
func New(level, format string, verbose bool) (*zap.Logger, zap.AtomicLevel, error) {
	parsed := zapcore.InfoLevel
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		parsed = l
	}
	if verbose {
		parsed = zapcore.DebugLevel
	}
	atomic := zap.NewAtomicLevelAt(parsed)

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomic

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, atomic, nil
}
