// Package logging wires a logrus.Logger up as a siddontang/loggers.Advanced,
// the interface type threaded through every component constructor in this
// module (the same pattern the teacher uses for dbconn.AcquireControllerLock and
// migration.Runner).
package logging

import (
	"io"
	"os"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level  string // one of logrus's level strings; defaults to "info"
	Output io.Writer
	// Component, if set, is attached to every record as a "component" field
	// (e.g. "czar", "worker", "job").
	Component string
}

// New returns a loggers.Advanced backed by a configured logrus.Logger.
func New(opts Options) loggers.Advanced {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if opts.Component == "" {
		return l
	}
	return l.WithField("component", opts.Component)
}
