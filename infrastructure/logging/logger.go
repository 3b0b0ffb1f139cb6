// Package logging provides structured logging for the controller.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with a component field stamped on every entry.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stderr)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// Component returns a derived logger for a sub-component. The underlying
// logrus instance is shared, so runtime level changes apply everywhere.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger, component: name}
}

// WithFields creates a new entry with the component and custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithField creates a new entry with the component and one custom field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		key:         value,
	})
}

// WithError creates a new entry with the component and error fields.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// SetLevelName changes the logging level at runtime. Unknown names are
// rejected so a typo over RPC cannot silence the daemon.
func (l *Logger) SetLevelName(level string) error {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	l.Logger.SetLevel(parsed)
	return nil
}

// LevelName returns the current logging level name.
func (l *Logger) LevelName() string {
	return l.Logger.GetLevel().String()
}

// Global logger instance, initialized once at startup.
var (
	defaultLogger *Logger
	defaultOnce   sync.Mutex
)

// InitDefault initializes the default logger.
func InitDefault(component, level, format string) *Logger {
	defaultOnce.Lock()
	defer defaultOnce.Unlock()
	defaultLogger = New(component, level, format)
	return defaultLogger
}

// Default returns the default logger.
func Default() *Logger {
	defaultOnce.Lock()
	defer defaultOnce.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("warden", "info", "text")
	}
	return defaultLogger
}
