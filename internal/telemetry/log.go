package telemetry

import (
	"github.com/sirupsen/logrus"
)

// LogSink writes traces to a logrus logger. Evaluations go out at trace
// level unless verbose is set; dispatcher failures always log at warn.
type LogSink struct {
	logger  *logrus.Logger
	verbose bool
}

func NewLogSink(logger *logrus.Logger, verbose bool) *LogSink {
	return &LogSink{logger: logger, verbose: verbose}
}

func (s *LogSink) Record(t Trace) {
	entry := s.logger.WithFields(logrus.Fields{
		"group":     t.Group,
		"unit":      t.Unit,
		"outcome":   t.Outcome,
		"load":      t.Load,
		"target":    t.Target,
		"current":   t.Current,
		"candidate": t.Candidate,
	})
	if t.Reason != "" {
		entry = entry.WithField("reason", t.Reason)
	}

	switch {
	case t.Outcome == OutcomeFailed || t.Outcome == OutcomeBusy:
		entry.Warn("Frequency change not applied")
	case s.verbose:
		entry.Info("Decision")
	default:
		entry.Trace("Decision")
	}
}

func (s *LogSink) Close() error { return nil }
