// Package logging provides the process-wide logrus setup and the log-level
// CLI argument shared by the commands in this repo.
package logging

import (
	"github.com/sirupsen/logrus"
)

// LogArgs is embedded in a command's go-arg Args struct.
type LogArgs struct {
	LogLevel string `arg:"--log-level" default:"info" help:"logging level: debug, info, warn, error"`
}

// NewLogger makes a logger with the given level. An unparseable level falls
// back to info.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return log
}
