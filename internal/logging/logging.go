// Package logging provides the shared zap logger construction for toolbridge.
// Every component receives a *zap.Logger named after its subsystem; tests use
// Nop() so they stay silent.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction. It maps 1:1 onto the `logging` block
// of the YAML config file.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"` // structured JSON vs console output
	Debug      bool   `yaml:"debug"`       // enables caller info and stack traces
}

// DefaultConfig returns production-leaning defaults.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		JSONFormat: false,
		Debug:      false,
	}
}

// New builds the root logger. Components derive their own with
// logger.Named("sandbox"), logger.Named("launcher"), etc.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.DisableCaller = true
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.JSONFormat {
		zc.Encoding = "json"
	} else {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	return zc.Build()
}

// Nop returns a logger that discards everything. Intended for tests and for
// callers that have not wired logging yet.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
