// Package logging builds the zap loggers used across topicstore.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production zap logger at level (debug, info, warn, error).
// "none" returns a no-op logger and an empty level means info.
func New(level string) (*zap.Logger, error) {
	lvl, ok, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !ok {
		return zap.NewNop(), nil
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

// ParseLevel maps a level name to a zap level. ok is false for "none".
func ParseLevel(level string) (lvl zapcore.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "none", "off":
		return zapcore.InfoLevel, false, nil
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "info", "":
		return zapcore.InfoLevel, true, nil
	case "warn", "warning":
		return zapcore.WarnLevel, true, nil
	case "error":
		return zapcore.ErrorLevel, true, nil
	case "fatal":
		return zapcore.FatalLevel, true, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q", level)
	}
}
