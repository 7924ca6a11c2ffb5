// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps log/slog with the handful of conventions the
// daemon's components share: a component tag, structured error/field
// attachment, and the two fixed line prefixes the engine's fire-and-forget
// error reporting relies on ("## ##" for errors, "-- --" for diagnostics).
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Config controls where log output goes and how verbose it is.
type Config struct {
	Level  slog.Level
	Output io.Writer
	Syslog SyslogConfig
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to
// its slog.Level, defaulting to Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig logs at Info level to stderr with syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a thin wrapper over *slog.Logger carrying an optional
// component tag that gets attached to every line it emits.
type Logger struct {
	inner     *slog.Logger
	component string
}

// New builds a Logger from cfg. If cfg.Syslog is enabled, lines are sent
// to the remote syslog daemon in addition to cfg.Output; a syslog dial
// failure is logged to cfg.Output and otherwise ignored, since a daemon
// that can't reach its log sink should still run.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.Level})
	l := &Logger{inner: slog.New(handler)}

	if cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(cfg.Syslog)
		if err != nil {
			l.Warn("could not start syslog sink", "error", err)
		} else {
			mw := io.MultiWriter(out, w)
			l.inner = slog.New(slog.NewTextHandler(mw, &slog.HandlerOptions{Level: cfg.Level}))
		}
	}

	return l
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns a process-wide Logger built from DefaultConfig, lazily
// constructed on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New(DefaultConfig())
	})
	return defaultLog
}

// WithComponent returns a Logger tagged with component, so every line it
// emits carries a "component" attribute. Callers typically hold on to the
// result for the lifetime of a subsystem.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{inner: l.inner, component: component}
}

// WithFields returns a Logger that attaches the given key/value pairs to
// every subsequent line.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{inner: l.inner.With(args...), component: l.component}
}

// WithError returns a Logger that attaches err under the "error" key to
// every subsequent line.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{inner: l.inner.With("error", err), component: l.component}
}

func (l *Logger) withComponent(args []any) []any {
	if l.component == "" {
		return args
	}
	return append([]any{"component", l.component}, args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.withComponent(args)...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, l.withComponent(args)...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.withComponent(args)...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, l.withComponent(args)...) }

// Fault logs a "## ##"-prefixed error line: an observed failure that the
// policy engine does not and cannot surface to any caller.
func (l *Logger) Fault(msg string, args ...any) {
	l.inner.Error("## ## "+msg, l.withComponent(args)...)
}

// Diag logs a "-- --"-prefixed diagnostic line: informational detail
// about engine state that isn't itself an error.
func (l *Logger) Diag(msg string, args ...any) {
	l.inner.Info("-- -- "+msg, l.withComponent(args)...)
}
