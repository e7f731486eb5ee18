// Package logging defines the minimal logging interface used across the
// runtime, so callers can plug in their own logger.
package logging

import (
	"fmt"
	"io"
	"os"
)

// Logger defines the interface for logging operations
type Logger interface {
	// Debugf logs a debug message with formatting
	Debugf(format string, args ...interface{})
	// Infof logs an informational message with formatting
	Infof(format string, args ...interface{})
	// Warnf logs a warning message with formatting
	Warnf(format string, args ...interface{})
	// Errorf logs an error message with formatting
	Errorf(format string, args ...interface{})
}

// StdLogger is a simple logger that writes to an io.Writer
type StdLogger struct {
	writer io.Writer
	debug  bool
}

// Debugf implements Logger.Debugf; suppressed unless debug is enabled
func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.printf("DEBUG", format, args...)
	}
}

// Infof implements Logger.Infof
func (l *StdLogger) Infof(format string, args ...interface{}) {
	l.printf("INFO", format, args...)
}

// Warnf implements Logger.Warnf
func (l *StdLogger) Warnf(format string, args ...interface{}) {
	l.printf("WARN", format, args...)
}

// Errorf implements Logger.Errorf
func (l *StdLogger) Errorf(format string, args ...interface{}) {
	l.printf("ERROR", format, args...)
}

func (l *StdLogger) printf(level, format string, args ...interface{}) {
	if l.writer != nil {
		fmt.Fprintf(l.writer, "["+level+"] "+format+"\n", args...)
	}
}

// NewStdLogger creates a new StdLogger with the specified writer
// If writer is nil, os.Stderr is used as the default
func NewStdLogger(writer io.Writer) *StdLogger {
	if writer == nil {
		writer = os.Stderr
	}
	return &StdLogger{writer: writer}
}

// NewDebugLogger creates a StdLogger that also emits debug messages
func NewDebugLogger(writer io.Writer) *StdLogger {
	logger := NewStdLogger(writer)
	logger.debug = true
	return logger
}

// DefaultLogger is the default logger instance that writes to os.Stderr
var DefaultLogger Logger = NewStdLogger(os.Stderr)
