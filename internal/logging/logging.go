// Package logging configures the module's single logrus logger.
//
// Setting up logging (output destinations, verbosity flags) belongs to
// the CLI layer out of scope for this spec; this package only carries
// the ambient default every other package logs through.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// For returns a logger entry tagged with component, e.g.
// logging.For("tracker").WithField("endpoint", addr).Info("announcing").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the base logger's verbosity; used by cmd/gobt.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
