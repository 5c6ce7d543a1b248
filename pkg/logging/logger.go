// Package logging provides structured logging shared by every azul component.
//
// It wraps log/slog with a small layered setup: stderr output by default,
// an optional file sink for the daemon's persistent log, and a Service
// field stamped on every record so multiplexed output (serve + watcher +
// transport all logging concurrently) stays attributable.
//
// # Basic usage
//
//	logger := logging.Default("coordinator")
//	logger.Info("session starting", "port", 8080)
//	logger.Error("bind failed", "error", err)
//
// # File logging
//
//	logger, err := logging.New(logging.Config{
//	    Service: "azuld",
//	    LogDir:  "~/.azul/logs",
//	})
//	defer logger.Close()
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level mirrors slog's levels so callers don't need to import log/slog
// just to configure a Logger.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config configures a Logger.
type Config struct {
	// Level is the minimum level emitted. Default: LevelInfo.
	Level Level

	// Service is stamped on every record as "service".
	Service string

	// LogDir, if non-empty, enables a JSON file sink in addition to
	// stderr. Supports a leading "~" for the user's home directory.
	LogDir string

	// Debug forces LevelDebug and adds source file:line to every record.
	Debug bool
}

// Logger is a thin, concurrency-safe wrapper around *slog.Logger.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Default returns a stderr-only logger for the named service.
func Default(service string) *Logger {
	l, _ := New(Config{Service: service})
	return l
}

// New builds a Logger per cfg. The returned error is non-nil only if a
// requested log directory could not be created; in that case the
// returned Logger is still usable (stderr-only).
func New(cfg Config) (*Logger, error) {
	level := cfg.Level
	if cfg.Debug {
		level = LevelDebug
	}

	writers := []io.Writer{os.Stderr}
	l := &Logger{}

	var setupErr error
	if cfg.LogDir != "" {
		dir := expandHome(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			setupErr = err
		} else {
			name := cfg.Service
			if name == "" {
				name = "azul"
			}
			path := filepath.Join(dir, name+"_"+time.Now().Format("2006-01-02")+".log")
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				setupErr = err
			} else {
				l.file = f
				writers = append(writers, f)
			}
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Debug,
	}
	handler := slog.NewJSONHandler(io.MultiWriter(writers...), handlerOpts)
	base := slog.New(handler)
	if cfg.Service != "" {
		base = base.With("service", cfg.Service)
	}
	l.slog = base
	return l, setupErr
}

// Close flushes and closes the file sink, if any. Safe to call on a
// stderr-only Logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// With returns a Logger with additional fields attached to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
