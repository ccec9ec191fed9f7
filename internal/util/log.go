// Package util provides leveled logging and per-session statistics.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Mute silences the default logger, for instance while the terminal is in
// raw mode, until the returned function is called.
func Mute() (restore func()) {
	prev := pterm.DefaultLogger.Writer
	pterm.DefaultLogger.Writer = io.Discard
	return func() { pterm.DefaultLogger.Writer = prev }
}

// Logger is a leveled logger that attaches fixed key/value pairs (such as
// the session role and id) to every line.
type Logger struct {
	kv []any
}

// With returns a logger carrying the given key/value pairs.
func With(kv ...any) Logger {
	return Logger{kv: kv}
}

// With returns a copy of l with more key/value pairs.
func (l Logger) With(kv ...any) Logger {
	return Logger{kv: append(append([]any(nil), l.kv...), kv...)}
}

func (l Logger) args() []pterm.LoggerArgument {
	if len(l.kv) == 0 {
		return nil
	}
	return pterm.DefaultLogger.Args(l.kv...)
}

func (l Logger) Debug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Info(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Warn(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Error(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), l.args())
}
