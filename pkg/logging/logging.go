package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	programLevel = new(slog.LevelVar) // Info by default
)

// Logger is the logging interface shared by every component.
type Logger interface {
	Debug(a ...any)
	Debugf(format string, v ...any)
	Info(a ...any)
	Infof(format string, v ...any)
	Warn(a ...any)
	Warnf(format string, v ...any)
	Error(a ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)

	// With returns a Logger that adds the given key-value pairs to every record.
	With(args ...any) Logger
}

type logger struct {
	l *slog.Logger
}

// NewDefaultLogger returns a text logger on stderr using the process level.
func NewDefaultLogger() Logger {
	return New(os.Stderr, programLevel)
}

// New returns a text logger writing to w at the given level.
func New(w io.Writer, level slog.Leveler) Logger {
	return &logger{l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewNopLogger discards everything.
func NewNopLogger() Logger {
	return New(io.Discard, slog.LevelError+4)
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l *logger) With(args ...any) Logger {
	return &logger{l: l.l.With(args...)}
}

func (l *logger) Debug(a ...any) {
	l.l.Debug(fmt.Sprint(a...))
}

func (l *logger) Debugf(format string, v ...any) {
	l.l.Debug(fmt.Sprintf(format, v...))
}

func (l *logger) Info(a ...any) {
	l.l.Info(fmt.Sprint(a...))
}

func (l *logger) Infof(format string, v ...any) {
	l.l.Info(fmt.Sprintf(format, v...))
}

func (l *logger) Warn(a ...any) {
	l.l.Warn(fmt.Sprint(a...))
}

func (l *logger) Warnf(format string, v ...any) {
	l.l.Warn(fmt.Sprintf(format, v...))
}

func (l *logger) Error(a ...any) {
	l.l.Error(fmt.Sprint(a...))
}

func (l *logger) Errorf(format string, v ...any) {
	l.l.Error(fmt.Sprintf(format, v...))
}

func (l *logger) Fatalf(format string, v ...any) {
	l.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}
