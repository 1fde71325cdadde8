// Package internallog holds the package-wide logger used across the cache
// and its internal/ subpackages, the way gluon threads a single
// logrus.FieldLogger through its server and backend packages instead of
// having each one reach for the global logger directly.
package internallog

import "github.com/sirupsen/logrus"

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger overrides the package logger. Callers embedding the cache in a
// larger service with its own logrus instance or field set should call this
// once before constructing a Cache.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the current package logger.
func Logger() logrus.FieldLogger {
	return logger
}
