package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// HCLogger is a wrapper around hashicorp's structured logger.
type HCLogger struct {
	log hclog.Logger
}

// NewLogger creates a new logger instance based on the specified level.
func NewLogger(level string) Logger {
	var lvl hclog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = hclog.Debug
	case "info":
		lvl = hclog.Info
	case "warn":
		lvl = hclog.Warn
	case "error":
		lvl = hclog.Error
	default:
		lvl = hclog.Info
	}

	return &HCLogger{
		log: hclog.New(&hclog.LoggerOptions{
			Name:       "hlsclient",
			Level:      lvl,
			Output:     os.Stdout,
			JSONFormat: true,
		}),
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &HCLogger{
		log: hclog.New(&hclog.LoggerOptions{
			Level:  hclog.Off,
			Output: io.Discard,
		}),
	}
}

// Debugf logs a message at the debug level.
func (l *HCLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

// Infof logs a message at the info level.
func (l *HCLogger) Infof(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a message at the warn level.
func (l *HCLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs a message at the error level.
func (l *HCLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}
