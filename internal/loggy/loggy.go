// Package loggy wraps log/slog with a configurable global logger shared by
// the sync services.
package loggy

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Config selects the handler, level and destination for the process logger.
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string // empty means RFC3339
}

// DefaultConfig returns a text logger on stdout at info level.
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// Logger is a nil-safe wrapper around slog.Logger. Every method is safe to
// call on a nil receiver, so services may hold a logger that was never
// initialized without guarding each call site.
type Logger struct {
	slogger *slog.Logger
}

// Init builds the global logger from cfg. Only the first call has any
// effect; later calls return the first call's error state.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var out io.Writer
		out, err = openOutput(cfg.Output)
		if err != nil {
			return
		}
		globalLogger = &Logger{slogger: slog.New(newHandler(out, cfg))}
	})
	if err != nil {
		// Leave a discarding logger behind so callers never see nil.
		NewNoopLogger()
	}
	return err
}

func openOutput(dest string) (io.Writer, error) {
	switch dest {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func newHandler(out io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if format := cfg.TimeFormat; format != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(format))
				}
			}
			return a
		}
	}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// GetGlobalLogger returns the process logger; nil before Init.
func GetGlobalLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger replaces the process logger.
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// NewNoopLogger installs and returns a logger that discards everything.
// Used by tests and as the fallback when Init fails.
func NewNoopLogger() *Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	l := &Logger{slogger: slog.New(h)}
	SetGlobalLogger(l)
	return l
}

// Debug logs at debug level using the global logger.
func Debug(msg string, args ...any) { globalLogger.Debug(msg, args...) }

// Info logs at info level using the global logger.
func Info(msg string, args ...any) { globalLogger.Info(msg, args...) }

// Warn logs at warn level using the global logger.
func Warn(msg string, args ...any) { globalLogger.Warn(msg, args...) }

// Error logs at error level using the global logger.
func Error(msg string, args ...any) { globalLogger.Error(msg, args...) }

// With returns a child of the global logger carrying the given attributes.
func With(args ...any) *Logger { return globalLogger.With(args...) }

func (l *Logger) Debug(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Debug(msg, args...)
	}
}

func (l *Logger) Info(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Info(msg, args...)
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Warn(msg, args...)
	}
}

func (l *Logger) Error(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Error(msg, args...)
	}
}

func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{slogger: l.slogger.With(args...)}
}
