package insteon

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the global log object. The default level is set to Info
var Log = NewLogger(os.Stderr)

// LogLevel indicates verbosity of logging
type LogLevel int

// Log levels are None, Warn, Info, Debug and Trace. Trace logging
// should only be used to display packets and messages as they
// are received or sent
const (
	LevelNone LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (ll LogLevel) String() string {
	switch ll {
	case LevelNone:
		return "NONE"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	}
	return ""
}

// Set satisfies the flag.Value interface
func (ll *LogLevel) Set(str string) error {
	level, err := ParseLogLevel(str)
	if err == nil {
		*ll = level
	}
	return err
}

// Get satisfies the flag.Getter interface
func (ll *LogLevel) Get() interface{} { return *ll }

// ParseLogLevel converts one of none, warn, info, debug or trace
// (any case) to a LogLevel
func ParseLogLevel(str string) (LogLevel, error) {
	switch strings.ToLower(str) {
	case "none":
		return LevelNone, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return LevelNone, fmt.Errorf("invalid log level %q, valid levels are none, warn, info, debug and trace", str)
}

func (ll LogLevel) logrus() logrus.Level {
	switch ll {
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	}
	// nothing in the library logs at panic level
	return logrus.PanicLevel
}

// Logger prints messages at or below its level. Loggers returned from
// With share the level and output of their parent.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger returns a text formatted Logger at the Info level
func NewLogger(out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: logrus.NewEntry(l)}
}

// Level sets the Loggers log level
func (s *Logger) Level(level LogLevel) {
	s.entry.Logger.SetLevel(level.logrus())
}

// SetOutput changes the destination of log lines
func (s *Logger) SetOutput(out io.Writer) {
	s.entry.Logger.SetOutput(out)
}

// SetFormat selects "text" or "json" output
func (s *Logger) SetFormat(format string) error {
	switch format {
	case "", "text":
		s.entry.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		s.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// With returns a child logger that adds key=value to every line
func (s *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: s.entry.WithField(key, value)}
}

// Warnf will print a message at the Warn level
func (s *Logger) Warnf(format string, v ...interface{}) {
	s.entry.Warnf(format, v...)
}

// Infof will print a message at the Info level
func (s *Logger) Infof(format string, v ...interface{}) {
	s.entry.Infof(format, v...)
}

// Debugf will print a message at the Debug level
func (s *Logger) Debugf(format string, v ...interface{}) {
	s.entry.Debugf(format, v...)
}

// Tracef will print a message at the Trace level
func (s *Logger) Tracef(format string, v ...interface{}) {
	s.entry.Tracef(format, v...)
}
