package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set: 2 logs at debug level, 3 at trace level, anything else at info.
// A level name like "warning" works as well.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	switch v {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		if lvl, err := logrus.ParseLevel(v); err == nil {
			l.SetLevel(lvl)
		}
	}

	return l
}
