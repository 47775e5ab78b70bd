package logger

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	lgr    *logrus.Logger
	module string
}

// NewLogrus creates a logrus-backed logger that writes to stderr.
// If lgr is nil, a default instance is created.
func NewLogrus(lgr *logrus.Logger) Logger {
	if lgr == nil {
		lgr = logrus.New()
		lgr.SetOutput(os.Stderr)
		lgr.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "Jan 02 15:04:05.000",
		})
	}
	lgr.SetLevel(logrus.InfoLevel)
	return &logrusLogger{lgr: lgr}
}

// NewLogrusWithFileRotation creates a logger that writes to stderr and,
// through an lfshook, to a daily-rotated file. Rotated files are kept
// for 7 days; file is maintained as a symlink to the active log.
func NewLogrusWithFileRotation(file string) Logger {
	lgr := logrus.New()
	lgr.SetOutput(os.Stderr)
	lgr.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "Jan 02 15:04:05.000",
	})
	lgr.SetLevel(logrus.InfoLevel)

	writer, err := rotatelogs.New(
		file+".%Y%m%d",
		rotatelogs.WithLinkName(file),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		lgr.Warn("failed to initialize log file rotation: ", err)
		return &logrusLogger{lgr: lgr}
	}

	lgr.AddHook(lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: writer,
		logrus.InfoLevel:  writer,
		logrus.WarnLevel:  writer,
		logrus.ErrorLevel: writer,
		logrus.FatalLevel: writer,
		logrus.PanicLevel: writer,
	}, &logrus.JSONFormatter{}))

	return &logrusLogger{lgr: lgr}
}

// NewLogrusNoOp creates a logger that discards everything. Used in tests.
func NewLogrusNoOp() Logger {
	lgr := logrus.New()
	lgr.SetOutput(ioutil.Discard)
	return &logrusLogger{lgr: lgr}
}

// SetToDebug sets the logger to debug level
func (l *logrusLogger) SetToDebug() {
	l.lgr.SetLevel(logrus.DebugLevel)
}

// SetToInfo sets the logger to info level
func (l *logrusLogger) SetToInfo() {
	l.lgr.SetLevel(logrus.InfoLevel)
}

// SetToError sets the logger to error level
func (l *logrusLogger) SetToError() {
	l.lgr.SetLevel(logrus.ErrorLevel)
}

// Module returns a child logger that tags entries with the given namespace
func (l *logrusLogger) Module(ns string) Logger {
	return &logrusLogger{lgr: l.lgr, module: ns}
}

// toFields converts interleaved key/value arguments to logrus fields.
// A trailing key with no value is recorded as-is.
func toFields(keyValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(keyValues); i += 2 {
		key := fmt.Sprint(keyValues[i])
		if i+1 < len(keyValues) {
			fields[key] = keyValues[i+1]
		} else {
			fields[key] = ""
		}
	}
	return fields
}

func (l *logrusLogger) entry(keyValues ...interface{}) *logrus.Entry {
	fields := toFields(keyValues)
	if l.module != "" {
		fields["module"] = l.module
	}
	return l.lgr.WithFields(fields)
}

// Debug logs a message at debug level
func (l *logrusLogger) Debug(msg string, keyValues ...interface{}) {
	l.entry(keyValues...).Debug(msg)
}

// Info logs a message at info level
func (l *logrusLogger) Info(msg string, keyValues ...interface{}) {
	l.entry(keyValues...).Info(msg)
}

// Warn logs a message at warn level
func (l *logrusLogger) Warn(msg string, keyValues ...interface{}) {
	l.entry(keyValues...).Warn(msg)
}

// Error logs a message at error level
func (l *logrusLogger) Error(msg string, keyValues ...interface{}) {
	l.entry(keyValues...).Error(msg)
}

// Fatal logs a message at fatal level and exits
func (l *logrusLogger) Fatal(msg string, keyValues ...interface{}) {
	l.entry(keyValues...).Fatal(msg)
}
