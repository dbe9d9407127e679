// Package logging configures structured logging for codeatlas workers: one
// base logger with JSON output, per-job fields attached via WithJob/WithRun,
// and a hook that forwards ERROR+ entries onto the bus's failed-jobs queue
// instead of a remote aggregator, since codeatlas has no external
// log-aggregation collaborator.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the base logger. level is parsed with logrus.ParseLevel;
// invalid values fall back to Info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return l
}

// WithRun returns an entry carrying the run_id field, the common
// denominator of every log line emitted during a pipeline run.
func WithRun(l *logrus.Logger, runID string) *logrus.Entry {
	return l.WithField("run_id", runID)
}

// WithJob extends an entry with job_id and, when non-empty, a path field
// holding the file or directory path — the fields every worker's job-handling function should
// attach before logging so an operator can grep a single job's lifecycle.
func WithJob(entry *logrus.Entry, jobID string, path string) *logrus.Entry {
	entry = entry.WithField("job_id", jobID)
	if path != "" {
		entry = entry.WithField("path", path)
	}
	return entry
}

// Snippet bounds s to at most n runes, so LLM responses and other
// potentially sensitive or unbounded payloads are never logged in full
// (spec.md §7: "LLM responses are never logged in full").
func Snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...(truncated)"
}

// IncidentHook is a logrus.Hook that forwards ERROR-and-above entries to a
// sink. Here the sink is the bus's failed-jobs queue: an operator watching
// that queue sees both dead-lettered jobs and the error log lines that led
// to them, without a separate log-aggregation service.
type IncidentHook struct {
	Sink func(entry *logrus.Entry)
}

func (h *IncidentHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *IncidentHook) Fire(entry *logrus.Entry) error {
	if h.Sink != nil {
		h.Sink(entry)
	}
	return nil
}
