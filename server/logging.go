package server

import (
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// logRequest logs an HTTP request with color-coded status
func logRequest(log logrus.FieldLogger, method, path, status string) {
	switch {
	case strings.HasPrefix(status, "2"):
		log.Info(color.GreenString("%s %s %s", method, path, status))
	case strings.HasPrefix(status, "4"), strings.HasPrefix(status, "5"):
		log.Info(color.RedString("%s %s %s", method, path, status))
	default:
		log.Infof("%s %s %s", method, path, status)
	}
}
