package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const maxHookEntries = 1000

// LogOptions configures a Logger
type LogOptions struct {
	Level  string
	Format string // text or json
	File   string // optional rotating log file
}

// Logger wraps logrus with additional functionality
type Logger struct {
	*logrus.Logger
	scope string
	hook  *LogHook
}

// NewLogger creates a new logger instance writing text to stdout
func NewLogger(level string) *Logger {
	return NewLoggerWithOptions(LogOptions{Level: level})
}

// NewLoggerWithOptions creates a new logger instance from options
func NewLoggerWithOptions(opts LogOptions) *Logger {
	logger := logrus.New()

	if strings.EqualFold(opts.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetLevel(ParseLevel(opts.Level))

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		})
	}
	logger.SetOutput(out)

	hook := &LogHook{}
	logger.AddHook(hook)

	return &Logger{
		Logger: logger,
		hook:   hook,
	}
}

// NewDiscardLogger returns a logger that drops all output, for tests
func NewDiscardLogger() *Logger {
	l := NewLogger("error")
	l.SetOutput(io.Discard)
	return l
}

// ParseLevel maps a level name to a logrus level, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithScope creates a new logger with a scope prefix
func (l *Logger) WithScope(scope string) *Logger {
	return &Logger{
		Logger: l.Logger,
		scope:  scope,
		hook:   l.hook,
	}
}

// ScopePrefix returns the current scope prefix
func (l *Logger) ScopePrefix() string {
	return l.scope
}

func (l *Logger) formatMessage(msg string) string {
	if l.scope != "" {
		return fmt.Sprintf("[%s] %s", l.scope, msg)
	}
	return msg
}

// Debug logs a debug message
func (l *Logger) Debug(args ...interface{}) {
	l.Logger.Debug(l.formatMessage(fmt.Sprint(args...)))
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.Debug(l.formatMessage(fmt.Sprintf(format, args...)))
}

// Info logs an info message
func (l *Logger) Info(args ...interface{}) {
	l.Logger.Info(l.formatMessage(fmt.Sprint(args...)))
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.Info(l.formatMessage(fmt.Sprintf(format, args...)))
}

// Warn logs a warning message
func (l *Logger) Warn(args ...interface{}) {
	l.Logger.Warn(l.formatMessage(fmt.Sprint(args...)))
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.Warn(l.formatMessage(fmt.Sprintf(format, args...)))
}

// Error logs an error message
func (l *Logger) Error(args ...interface{}) {
	l.Logger.Error(l.formatMessage(fmt.Sprint(args...)))
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.Error(l.formatMessage(fmt.Sprintf(format, args...)))
}

// LogEntry represents a log entry
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// LogHook captures the most recent log entries in memory
type LogHook struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Levels returns the supported log levels
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire is called when a log entry is created
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, LogEntry{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: entry.Time.Format(time.RFC3339),
	})
	if len(h.entries) > maxHookEntries {
		h.entries = h.entries[len(h.entries)-maxHookEntries:]
	}
	return nil
}

// GetEntries returns the captured log entries in [startIndex, endIndex)
func (l *Logger) GetEntries(startIndex, endIndex int) []LogEntry {
	if l.hook == nil {
		return []LogEntry{}
	}

	l.hook.mu.Lock()
	defer l.hook.mu.Unlock()

	total := len(l.hook.entries)

	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex > total {
		startIndex = total
	}

	if endIndex < 0 || endIndex > total {
		endIndex = total
	}

	if startIndex > endIndex {
		return []LogEntry{}
	}

	out := make([]LogEntry, endIndex-startIndex)
	copy(out, l.hook.entries[startIndex:endIndex])
	return out
}
