// Package logging holds the process loggers. Lifecycle output goes through
// GetLogger; per-window decisions go through GetGovernorLogger so they can be
// told apart by their message key.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type namedLogger struct {
	*logrus.Logger
	msgKey string
}

var (
	logger         = newLogger("msg")
	governorLogger = newLogger("governor_msg")
)

func newLogger(msgKey string) *namedLogger {
	l := &namedLogger{Logger: logrus.New(), msgKey: msgKey}
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(l.formatter(FormatText))
	return l
}

func (l *namedLogger) formatter(format string) logrus.Formatter {
	fields := logrus.FieldMap{
		logrus.FieldKeyTime:  "time",
		logrus.FieldKeyLevel: "level",
		logrus.FieldKeyMsg:   l.msgKey,
	}
	if format == FormatJSON {
		return &logrus.JSONFormatter{FieldMap: fields}
	}
	return &logrus.TextFormatter{FullTimestamp: true, FieldMap: fields}
}

func GetLogger() *logrus.Logger {
	return logger.Logger
}

func GetGovernorLogger() *logrus.Logger {
	return governorLogger.Logger
}

func SetLogLevel(level string) error {
	return setLevel(logger, level)
}

func SetGovernorLogLevel(level string) error {
	return setLevel(governorLogger, level)
}

func setLevel(l *namedLogger, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

// SetFormat switches both loggers to text or json output.
func SetFormat(format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", FormatText:
		format = FormatText
	case FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	for _, l := range []*namedLogger{logger, governorLogger} {
		l.SetFormatter(l.formatter(format))
	}
	return nil
}
