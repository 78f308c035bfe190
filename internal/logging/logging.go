// Package logging provides the journal's structured logging facade: a thin
// wrapper around zap that standardizes subsystem tagging and gives every
// component a safe default when no logger is configured.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	noopOnce sync.Once
	noop     *zap.Logger
)

// Noop returns a disabled logger that discards all entries.
func Noop() *zap.Logger {
	noopOnce.Do(func() {
		noop = zap.NewNop()
	})
	return noop
}

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Noop()
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts,
// skipping empty fragments, and returns a logger tagged with it.
func Subsystem(base *zap.Logger, parts ...string) *zap.Logger {
	base = Ensure(base)
	name := subsystemName(parts)
	if name == "" {
		return base
	}
	return base.With(zap.String("subsystem", name))
}

func subsystemName(parts []string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// NewProduction builds the journal's default production logger: JSON
// output, info level, ISO8601 timestamps. Callers that need env-driven
// configuration should build their own zap.Config in cmd/journal.
func NewProduction() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
