// Package logging builds the zap loggers used by every review-gate
// component. Output is a human-readable console stream plus, optionally, a
// JSON log file in the exchange directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config describes where logs go.
type Config struct {
	Level   string    // debug|info|warn|error; anything else means info
	File    string    // optional JSON log file
	Output  io.Writer // console sink; defaults to os.Stderr
	NoColor bool
}

// Logger owns a zap logger plus the resources behind it. The level is
// atomic so it can be changed while the daemon runs.
type Logger struct {
	*zap.Logger

	level zap.AtomicLevel

	mu   sync.Mutex
	file *os.File
}

// ParseLevel maps a configured level name onto a zap level.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "warning":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func consoleEncoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig(!cfg.NoColor)), zapcore.AddSync(out), level),
	}

	l := &Logger{level: level}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // log path from config
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(f), level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

// SetLevel changes the level of every core.
func (l *Logger) SetLevel(name string) {
	l.level.SetLevel(ParseLevel(name))
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	_ = l.Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
