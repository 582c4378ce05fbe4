// Package logging adapts log/slog to the engine's message types.
//
// Every engine log line carries a "type" attribute (status, error, command,
// reply, listing or one of the debug levels). Debug types are filtered by a
// debug level from 0 to 4, matching the engine's logging.debug_level option.
package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Type classifies a log line.
type Type int

const (
	Status Type = iota
	Error
	Command
	Reply
	DebugWarning
	DebugInfo
	DebugVerbose
	DebugDebug
	Listing
)

var typeNames = [...]string{
	Status:       "status",
	Error:        "error",
	Command:      "command",
	Reply:        "reply",
	DebugWarning: "debug_warning",
	DebugInfo:    "debug_info",
	DebugVerbose: "debug_verbose",
	DebugDebug:   "debug_debug",
	Listing:      "listing",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

func (t Type) level() slog.Level {
	switch t {
	case Error:
		return slog.LevelError
	case DebugWarning:
		return slog.LevelWarn
	case Status, Command, Reply:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Logger emits typed engine messages through a slog.Logger.
type Logger struct {
	slog       *slog.Logger
	debugLevel atomic.Int32
	rawListing atomic.Bool
}

// New wraps l. A nil l discards everything.
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Logger{slog: l}
}

// Discard returns a logger that drops all output.
func Discard() *Logger {
	return New(nil)
}

// SetDebugLevel enables debug types: 1 warning, 2 +info, 3 +verbose, 4 +debug.
func (l *Logger) SetDebugLevel(level int) {
	l.debugLevel.Store(int32(level))
}

// SetRawListing enables logging of raw directory listing lines.
func (l *Logger) SetRawListing(on bool) {
	l.rawListing.Store(on)
}

// Enabled reports whether messages of type t are emitted.
func (l *Logger) Enabled(t Type) bool {
	if l == nil {
		return false
	}
	level := l.debugLevel.Load()
	switch t {
	case DebugWarning:
		return level >= 1
	case DebugInfo:
		return level >= 2
	case DebugVerbose:
		return level >= 3
	case DebugDebug:
		return level >= 4
	case Listing:
		return l.rawListing.Load()
	}
	return true
}

// Log emits msg with the given type and attributes.
func (l *Logger) Log(t Type, msg string, args ...any) {
	if !l.Enabled(t) {
		return
	}
	l.slog.Log(context.Background(), t.level(), msg, append([]any{"type", t.String()}, args...)...)
}

// With returns a logger that adds args to every line and shares the filters.
func (l *Logger) With(args ...any) *Logger {
	n := &Logger{slog: l.slog.With(args...)}
	n.debugLevel.Store(l.debugLevel.Load())
	n.rawListing.Store(l.rawListing.Load())
	return n
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// MaskCommand hides the argument of PASS commands.
func MaskCommand(cmd string) string {
	if len(cmd) >= 5 && strings.EqualFold(cmd[:5], "PASS ") {
		return cmd[:5] + strings.Repeat("*", len(cmd)-5)
	}
	return cmd
}
