// Package logs configures the process-wide logrus logger.
package logs

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger used by every component
var Logger = logrus.New()

// Options selects level, output format and an optional log file
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // empty logs to stderr only
}

// Init applies opts to Logger. A file that cannot be opened is reported and
// logging continues on stderr.
func Init(opts Options) {
	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	Logger.SetOutput(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			Logger.Warnf("Failed to open log file %s: %v", opts.File, err)
			return
		}
		Logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

// Component returns an entry tagged with the component name
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
