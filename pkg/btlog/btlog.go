// Package btlog is the logging facade used throughout the translated-code
// cache. It wraps logrus the way the teacher's internal pkg/log wraps its
// own backends: callers never import logrus directly, they ask for a
// component-scoped entry and log through that.
package btlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the minimum logged severity. Accepts logrus level names
// ("debug", "info", "warn", "error").
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// WithComponent returns a logger entry tagged with the owning component,
// e.g. btlog.WithComponent("chunk").Warnf("...").
func WithComponent(name string) *logrus.Entry {
	return base.WithField("component", name)
}
