package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. It is silent unless TEST_LOGS is set:
// 1 logs at info, 2 at debug and 3 at trace level, which also shows every
// descriptor the simulated hardware refuses.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
