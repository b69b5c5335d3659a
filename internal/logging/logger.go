// Package logging provides the logging interface and default implementations
// for strata.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal). Callers can
// wrap their own structured loggers (slog, zap) behind it.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler. The
// default handler is a no-op; the DB wires it to set its background error so
// that later commits are rejected. Fatalf never exits the process.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/01/12 18:45:13 INFO [checkpoint] wrote checkpoint-42.ckpt
//
// Component namespace prefixes:
//   - [db]         general database operations
//   - [wal]        WAL segments and records
//   - [durability] fsync policy and background sync
//   - [recovery]   checkpoint load and WAL replay on open
//   - [checkpoint] checkpoint writes
//   - [compact]    retention pruning and space reclamation
//   - [txn]        transaction commit and abort
//   - [run]        run lifecycle
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
)

// ErrFatal is wrapped by the background error a Fatalf sets.
var ErrFatal = errors.New("fatal error")

// FatalHandler runs after a Fatalf message is written. It must be safe for
// concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level is the most verbose severity a logger writes.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a level name ("error", "warn", "info", "debug") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Logger receives engine diagnostics. Implementations must be safe for
// concurrent use: commits, the background syncer and checkpoints log from
// their own goroutines. Fatalf marks the database failed, so later commits
// are rejected while reads continue.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// DefaultLogger prefixes each message with a timestamp and its level and
// writes it through log.Logger. The level is fixed at construction.
type DefaultLogger struct {
	out          *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger returns a stderr logger at level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger returns a logger writing to w at level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{out: log.New(w, "", log.LstdFlags), level: level}
}

// SetFatalHandler installs h, replacing any previous handler.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the level the logger was built with.
func (l *DefaultLogger) Level() Level {
	return l.level
}

func (l *DefaultLogger) emit(at Level, format string, args []any) {
	if at > l.level {
		return
	}
	_ = l.out.Output(3, at.String()+" "+fmt.Sprintf(format, args...))
}

func (l *DefaultLogger) Errorf(format string, args ...any) { l.emit(LevelError, format, args) }
func (l *DefaultLogger) Warnf(format string, args ...any)  { l.emit(LevelWarn, format, args) }
func (l *DefaultLogger) Infof(format string, args ...any)  { l.emit(LevelInfo, format, args) }
func (l *DefaultLogger) Debugf(format string, args ...any) { l.emit(LevelDebug, format, args) }

// Fatalf logs at FATAL regardless of level, then runs the fatal handler.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.out.Output(2, "FATAL "+msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Component prefixes, prepended to the format string.
const (
	NSDB         = "[db] "
	NSWAL        = "[wal] "
	NSDurability = "[durability] "
	NSRecovery   = "[recovery] "
	NSCheckpoint = "[checkpoint] "
	NSCompact    = "[compact] "
	NSTxn        = "[txn] "
	NSRun        = "[run] "
)

// IsNil reports whether l is nil or an interface holding a nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if it is usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
