package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LogLevelSilent disables all logging
	LogLevelSilent LogLevel = iota
	// LogLevelError shows only errors
	LogLevelError
	// LogLevelWarn shows warnings and errors
	LogLevelWarn
	// LogLevelInfo shows info, warnings, and errors (verbose mode)
	LogLevelInfo
	// LogLevelDebug shows all logs including debug information
	LogLevelDebug
)

var levelNames = map[LogLevel]string{
	LogLevelSilent: "silent",
	LogLevelError:  "error",
	LogLevelWarn:   "warn",
	LogLevelInfo:   "info",
	LogLevelDebug:  "debug",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLogLevel parses a level name such as "debug" or "warn".
func ParseLogLevel(name string) (LogLevel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return LogLevelSilent, fmt.Errorf("unknown log level: %q", name)
}

var (
	currentLevel           = LogLevelError
	output       io.Writer = os.Stderr
	base                   = newLogrus()
)

func newLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	l.SetLevel(logrus.ErrorLevel)
	l.AddHook(redactHook{})
	return l
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	currentLevel = level
	switch level {
	case LogLevelSilent:
		base.SetOutput(io.Discard)
		return
	case LogLevelError:
		base.SetLevel(logrus.ErrorLevel)
	case LogLevelWarn:
		base.SetLevel(logrus.WarnLevel)
	case LogLevelInfo:
		base.SetLevel(logrus.InfoLevel)
	default:
		base.SetLevel(logrus.DebugLevel)
	}
	base.SetOutput(output)
}

// GetLogLevel returns the current log level
func GetLogLevel() LogLevel {
	return currentLevel
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) error {
	switch format {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %q", format)
	}
	return nil
}

// SetOutput redirects log output; used by tests and the CLI.
func SetOutput(w io.Writer) {
	output = w
	if currentLevel != LogLevelSilent {
		base.SetOutput(w)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// redactHook scrubs credentials before an entry is formatted.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	entry.Message = redactSensitive(entry.Message)
	return nil
}

// sensitiveKeys prefix values that are cut up to the next delimiter.
var sensitiveKeys = []string{
	"Authorization: Bearer ", "Authorization: Basic ",
	"token=", "Signature=", "password=", "PASSWORD=",
}

// redactSensitive removes sensitive information from log messages
func redactSensitive(message string) string {
	for _, key := range sensitiveKeys {
		message = redactAfter(message, key)
	}
	return message
}

// redactAfter replaces every value following key with ***.
func redactAfter(message, key string) string {
	if !strings.Contains(message, key) {
		return message
	}
	parts := strings.Split(message, key)
	for i := 1; i < len(parts); i++ {
		endIdx := strings.IndexAny(parts[i], "& \n\"'")
		if endIdx == -1 {
			endIdx = len(parts[i])
		}
		parts[i] = "***" + parts[i][endIdx:]
	}
	return strings.Join(parts, key)
}
