// Package logging builds the loggers shared by the engine components.
//
// Components take a *logrus.Logger by injection and never touch a global, so
// embedding front-ends can route engine output wherever they render logs.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns the default engine logger. Verbose enables debug level.
func New(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when a caller passes nil.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns logger, or a discarding logger when nil.
func OrDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
