package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/crucible/internal/config"
)

// New creates the structured logger for the current project directory. Log
// output lands in .crucible/logs/crucible.log so users can inspect failures
// after a sweep finishes; verbose mode mirrors debug entries to stderr.
func New(projectDir string, verbose bool) (*zap.SugaredLogger, error) {
	logDir := filepath.Join(projectDir, config.CrucibleDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "crucible.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(file),
		zapcore.InfoLevel,
	)

	core := fileCore
	if verbose {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			zapcore.DebugLevel,
		)
		core = zapcore.NewTee(fileCore, consoleCore)
	}

	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything. Handy for tests and for
// commands that run before the project directory exists.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
