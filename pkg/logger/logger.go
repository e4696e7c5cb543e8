package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
}

// New creates a new logger writing to stdout
func New() *Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a logger writing to out
func NewWithWriter(out io.Writer) *Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	log.SetLevel(logrus.InfoLevel)

	return &Logger{Logger: log}
}

// Wrap adopts an existing logrus logger, e.g. one built by logrus/hooks/test.
func Wrap(l *logrus.Logger) *Logger {
	return &Logger{Logger: l}
}

// SetLevel sets the logging level. Unknown levels fall back to info.
func (l *Logger) SetLevel(level string) {
	switch level {
	case "debug":
		l.Logger.SetLevel(logrus.DebugLevel)
	case "info":
		l.Logger.SetLevel(logrus.InfoLevel)
	case "warn":
		l.Logger.SetLevel(logrus.WarnLevel)
	case "error":
		l.Logger.SetLevel(logrus.ErrorLevel)
	default:
		l.Logger.SetLevel(logrus.InfoLevel)
	}
}

// WithObject returns an entry scoped to one object type
func (l *Logger) WithObject(object string) *logrus.Entry {
	return l.Logger.WithField("object", object)
}

// WithRun returns an entry scoped to one migration run
func (l *Logger) WithRun(runID string) *logrus.Entry {
	return l.Logger.WithField("run", runID)
}
