// Package observability provides the process-wide loggers.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger for command-line output. It writes human-readable
// console lines to stderr so stdout stays clean for machine output (JSONL).
// Initialize with InitCLILogger before use.
var CLILogger *zap.Logger = zap.NewNop()

// InitCLILogger configures CLILogger for the named command. Verbose enables
// debug-level output.
func InitCLILogger(name string, verbose bool) {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"app": name},
	}
	logger, err := cfg.Build()
	if err != nil {
		// Console sink construction only fails on bad config; keep the nop.
		return
	}
	CLILogger = logger
}

// NewLogger builds a structured logger for long-running service processes.
// Level is one of debug/info/warn/error; profile selects the encoding:
// "STRUCTURED" emits JSON, anything else emits console lines.
func NewLogger(level, profile string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if profile != "STRUCTURED" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = CLILogger.Sync()
}
