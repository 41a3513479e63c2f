// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured entries through the standard library logger.
// Applications that do not plug their own Logger can install it via SetLogger.
type StdLogger struct{}

// Debug logs at debug level.
func (StdLogger) Debug(msg string, fields ...Field) { emit("DEBUG", msg, fields) }

// Info logs at info level.
func (StdLogger) Info(msg string, fields ...Field) { emit("INFO", msg, fields) }

// Error logs at error level.
func (StdLogger) Error(msg string, fields ...Field) { emit("ERROR", msg, fields) }

func emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		log.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	log.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
