// Package logx provides the logging interface shared by every toolwire component.
package logx

import (
	"io"
	"log"
	"os"
)

// Logger is the minimal logging surface components depend on. Implementations
// must be safe for concurrent use.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// DefaultLogger writes to stderr using the standard log package.
type DefaultLogger struct {
	logger *log.Logger
	debug  bool
}

// NewDefaultLogger creates a logger writing to stderr with standard flags.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(os.Stderr, "[toolwire] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// NewLogger creates a logger writing to w. Debug messages are suppressed
// unless debug is true.
func NewLogger(w io.Writer, debug bool) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "[toolwire] ", log.LstdFlags|log.Lmsgprefix),
		debug:  debug,
	}
}

func (l *DefaultLogger) Debug(format string, v ...interface{}) {
	if l.debug {
		l.logger.Printf("DEBUG: "+format, v...)
	}
}
func (l *DefaultLogger) Info(format string, v ...interface{}) {
	l.logger.Printf("INFO: "+format, v...)
}
func (l *DefaultLogger) Warn(format string, v ...interface{}) {
	l.logger.Printf("WARN: "+format, v...)
}
func (l *DefaultLogger) Error(format string, v ...interface{}) {
	l.logger.Printf("ERROR: "+format, v...)
}

var _ Logger = (*DefaultLogger)(nil)

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

var _ Logger = NopLogger{}
